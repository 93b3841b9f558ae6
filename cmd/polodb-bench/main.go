package main

import (
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/alexflint/go-arg"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/polodb/polodb"
	"github.com/polodb/polodb/internal/config"
)

// args contains the command line arguments. This binary is a smoke-test and
// throughput benchmark for the embedded engine, not the wire-protocol server
// or dump tool the project intentionally does not ship.
type args struct {
	Path      string `arg:"--path" placeholder:"DIR" help:"directory for a disk-backed database; empty runs in-memory"`
	Docs      int    `arg:"--docs" help:"number of documents to insert" default:"10000"`
	Verbose   bool   `arg:"--verbose" help:"enable debug tracing of compiled programs and VM execution"`
	config.DatabaseConfig
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	var a args
	arg.MustParse(&a)

	if a.Verbose {
		polodb.EnableLogging(true)
	}

	db, err := open(&a)
	if err != nil {
		return err
	}
	defer db.Close()

	col := db.Collection("bench")

	t := time.Now()
	if err := insert(col, a.Docs); err != nil {
		return err
	}
	log.Printf("inserted %d documents in %s", a.Docs, time.Since(t))

	t = time.Now()
	n, err := col.CountDocuments(bson.M{"group": bson.M{"$lt": 3}})
	if err != nil {
		return err
	}
	log.Printf("counted %d matching documents in %s", n, time.Since(t))

	t = time.Now()
	res, err := col.UpdateMany(
		bson.M{"group": 0},
		bson.M{"$inc": bson.M{"score": 1}},
	)
	if err != nil {
		return err
	}
	log.Printf("updated %d documents in %s", res.ModifiedCount, time.Since(t))

	fmt.Printf("collections: %v\n", db.ListCollectionNames())
	return nil
}

func open(a *args) (*polodb.Database, error) {
	opts := []config.DatabaseOption{
		config.WithCacheSize(a.CacheSize),
		config.WithSyncMode(a.SyncMode),
		config.WithReadOnly(a.ReadOnly),
	}
	if a.Path == "" {
		return polodb.OpenMemory(opts...)
	}
	return polodb.OpenPath(a.Path, opts...)
}

func insert(col *polodb.Collection, n int) error {
	docs := make([]bson.M, 0, n)
	for i := 0; i < n; i++ {
		docs = append(docs, bson.M{
			"seq":   i,
			"group": rand.Intn(10),
			"score": 0,
		})
	}
	_, err := col.InsertMany(docs)
	return err
}
