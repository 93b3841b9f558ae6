package codegen_test

import (
	"context"
	"testing"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/polodb/polodb/internal/catalog"
	"github.com/polodb/polodb/internal/codegen"
	"github.com/polodb/polodb/internal/kv"
	"github.com/polodb/polodb/internal/kv/memkv"
)

func drainAggregation(t *testing.T, plan *codegen.AggregationPlan, txn kv.Txn) []bson.M {
	t.Helper()
	cur := plan.Run(txn)
	var out []bson.M
	for {
		doc, ok, err := cur.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			return out
		}
		out = append(out, doc)
	}
}

func seedSales(t *testing.T, e kv.Engine, c *catalog.Catalog) *catalog.CollectionSpec {
	t.Helper()
	cs := newCollection(t, e, c, "sales")
	txn, _ := e.Begin(context.Background(), kv.Write)
	rows := []bson.M{
		{"_id": primitive.NewObjectID(), "region": "west", "amount": int64(10)},
		{"_id": primitive.NewObjectID(), "region": "west", "amount": int64(30)},
		{"_id": primitive.NewObjectID(), "region": "east", "amount": int64(5)},
		{"_id": primitive.NewObjectID(), "region": "east", "amount": int64(7)},
		{"_id": primitive.NewObjectID(), "region": "east", "amount": int64(100)},
	}
	for _, r := range rows {
		putDoc(t, txn, "sales", r)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}
	return cs
}

func TestAggregationMatchSortLimit(t *testing.T) {
	e := memkv.New()
	c := catalog.New()
	cs := seedSales(t, e, c)

	plan, err := codegen.CompileAggregation("sales", cs, []bson.M{
		{"$match": bson.M{"region": "east"}},
		{"$sort": bson.M{"amount": int32(-1)}},
		{"$limit": int32(2)},
	})
	if err != nil {
		t.Fatal(err)
	}
	txn, _ := e.Begin(context.Background(), kv.Read)
	defer txn.Rollback()
	rows := drainAggregation(t, plan, txn)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d: %v", len(rows), rows)
	}
	if rows[0]["amount"] != int64(100) || rows[1]["amount"] != int64(7) {
		t.Fatalf("expected descending amounts 100,7, got %v, %v", rows[0]["amount"], rows[1]["amount"])
	}
}

func TestAggregationGroupSumAndAvg(t *testing.T) {
	e := memkv.New()
	c := catalog.New()
	cs := seedSales(t, e, c)

	plan, err := codegen.CompileAggregation("sales", cs, []bson.M{
		{"$group": bson.M{
			"_id":   "$region",
			"total": bson.M{"$sum": "$amount"},
			"avg":   bson.M{"$avg": "$amount"},
			"count": bson.M{"$sum": int32(1)},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	txn, _ := e.Begin(context.Background(), kv.Read)
	defer txn.Rollback()
	rows := drainAggregation(t, plan, txn)
	if len(rows) != 2 {
		t.Fatalf("expected 2 groups, got %d: %v", len(rows), rows)
	}
	totals := map[any]float64{}
	counts := map[any]float64{}
	for _, r := range rows {
		totals[r["_id"]] = r["total"].(float64)
		counts[r["_id"]] = r["count"].(float64)
	}
	if totals["west"] != 40 || counts["west"] != 2 {
		t.Fatalf("expected west total=40 count=2, got %v %v", totals["west"], counts["west"])
	}
	if totals["east"] != 112 || counts["east"] != 3 {
		t.Fatalf("expected east total=112 count=3, got %v %v", totals["east"], counts["east"])
	}
}

func TestAggregationProjectAndCount(t *testing.T) {
	e := memkv.New()
	c := catalog.New()
	cs := seedSales(t, e, c)

	plan, err := codegen.CompileAggregation("sales", cs, []bson.M{
		{"$match": bson.M{"region": "west"}},
		{"$project": bson.M{"amount": int32(1)}},
		{"$count": "n"},
	})
	if err != nil {
		t.Fatal(err)
	}
	txn, _ := e.Begin(context.Background(), kv.Read)
	defer txn.Rollback()
	rows := drainAggregation(t, plan, txn)
	if len(rows) != 1 || rows[0]["n"] != int64(2) {
		t.Fatalf("expected a single count row n=2, got %v", rows)
	}
}
