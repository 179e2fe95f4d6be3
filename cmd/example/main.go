// Demonstrates duskdb's programmatic API: insert, indexed/unindexed find, update,
// delete and the query algebra, against a scratch datafile removed on exit.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/duskdb/duskdb"
	"github.com/duskdb/duskdb/document"
	"github.com/duskdb/duskdb/query"
)

func main() {
	const dbPath = "example.duskdb"
	defer os.Remove(dbPath)

	db, err := duskdb.Open(dbPath, duskdb.DefaultOptions())
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	fmt.Println("=== duskdb example ===")
	fmt.Println()

	fmt.Println("--- Insert ---")
	jobs := []*document.Document{
		newJob("oracle", 5, true, 0),
		newJob("mysql", 2, true, 0),
		newJob("postgres", 0, false, 0),
		newJob("oracle", 8, true, 30),
		newJob("mysql", 1, false, 60),
	}
	ids, err := db.Insert("jobs", jobs, 0)
	if err != nil {
		log.Fatalf("insert: %v", err)
	}
	fmt.Printf("  inserted %d jobs\n\n", len(ids))

	fmt.Println("--- Find all ---")
	printDocs(db, "jobs", query.All(false))

	fmt.Println("--- Find retry > 3 ---")
	printDocs(db, "jobs", query.GT("retry", document.Int32(3)))

	fmt.Println("--- Find type=oracle AND enabled=true ---")
	printDocs(db, "jobs", query.And(
		query.EQ("type", document.String("oracle")),
		query.EQ("enabled", document.Bool(true)),
	))

	fmt.Println("--- Find params.timeout=30 ---")
	printDocs(db, "jobs", query.EQ("params.timeout", document.Int32(30)))

	fmt.Println("--- Update: set retry=99 where type=postgres ---")
	postgresJobs, err := db.Find("jobs", query.EQ("type", document.String("postgres")), 0, 0)
	if err != nil {
		log.Fatalf("find: %v", err)
	}
	for _, j := range postgresJobs {
		j.Set("retry", document.Int32(99))
	}
	if err := db.Update("jobs", postgresJobs, 0); err != nil {
		log.Fatalf("update: %v", err)
	}
	printDocs(db, "jobs", query.EQ("type", document.String("postgres")))

	fmt.Println("--- Delete enabled=false ---")
	n, err := db.Delete("jobs", query.EQ("enabled", document.Bool(false)))
	if err != nil {
		log.Fatalf("delete: %v", err)
	}
	fmt.Printf("  deleted %d jobs\n\n", n)
	printDocs(db, "jobs", query.All(false))

	fmt.Println("--- EnsureIndex(type) then find by index ---")
	if err := db.EnsureIndex("jobs", "type", false); err != nil {
		log.Fatalf("ensure index: %v", err)
	}
	printDocs(db, "jobs", query.EQ("type", document.String("oracle")))

	count, err := db.Count("jobs", query.All(false))
	if err != nil {
		log.Fatalf("count: %v", err)
	}
	fmt.Printf("total jobs: %d\n\n", count)

	fmt.Println("--- Stats ---")
	stats := db.Stats()
	fmt.Printf("  cache hits=%d misses=%d size=%d/%d\n", stats.CacheHits, stats.CacheMisses, stats.CacheSize, stats.CacheCapacity)

	fmt.Println("=== Done ===")
}

func newJob(jobType string, retry int32, enabled bool, timeout int32) *document.Document {
	d := document.New()
	d.Set("type", document.String(jobType))
	d.Set("retry", document.Int32(retry))
	d.Set("enabled", document.Bool(enabled))
	if timeout != 0 {
		d.Set("params.timeout", document.Int32(timeout))
	}
	return d
}

func printDocs(db *duskdb.Engine, collection string, q query.Query) {
	docs, err := db.Find(collection, q, 0, 0)
	if err != nil {
		log.Fatalf("find: %v", err)
	}
	if len(docs) == 0 {
		fmt.Println("  (no results)")
	}
	for _, doc := range docs {
		fmt.Printf("  %s\n", formatDoc(doc))
	}
	fmt.Println()
}

func formatDoc(doc *document.Document) string {
	out := "{"
	for i, f := range doc.Fields {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s=%s", f.Name, formatValue(f.Value))
	}
	return out + "}"
}

func formatValue(v document.Value) string {
	switch v.Kind {
	case document.KindNull:
		return "null"
	case document.KindBool:
		return fmt.Sprintf("%v", v.Bool)
	case document.KindInt32:
		return fmt.Sprintf("%d", v.Int32)
	case document.KindInt64:
		return fmt.Sprintf("%d", v.Int64)
	case document.KindDouble:
		return fmt.Sprintf("%v", v.Double)
	case document.KindString:
		return v.String
	case document.KindBinary:
		return fmt.Sprintf("%x", v.Binary)
	default:
		return fmt.Sprintf("%v", v)
	}
}
