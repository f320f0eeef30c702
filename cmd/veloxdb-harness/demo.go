package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/veloxdb/veloxdb/internal/engine"
	"github.com/veloxdb/veloxdb/internal/model"
	"github.com/veloxdb/veloxdb/internal/record"
	"github.com/veloxdb/veloxdb/internal/strpool"
	"github.com/veloxdb/veloxdb/internal/txn"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Build a small in-memory model and run a transaction round trip",
	RunE:  runDemo,
}

var demoGCSchedule string

func init() {
	demoCmd.Flags().StringVar(&demoGCSchedule, "gc-schedule", "", "cron expression enabling a periodic GC sweep (e.g. \"@every 1m\")")
}

// personModel describes two classes: a referenced Department and a Person
// with a unique-indexed name and a reference to its department.
func personModel() model.Document {
	return model.Document{
		Classes: []model.ClassDef{
			{ID: 1, Name: "Department", Properties: []model.PropertyDef{
				{ID: 1, Name: "name", Kind: model.KindSimple, Type: model.TypeString},
			}},
			{ID: 2, Name: "Person", Properties: []model.PropertyDef{
				{ID: 1, Name: "name", Kind: model.KindSimple, Type: model.TypeString},
				{ID: 2, Name: "age", Kind: model.KindSimple, Type: model.TypeInt},
				{ID: 3, Name: "department", Kind: model.KindReference, TargetClassID: 1, Multiplicity: model.ZeroOrOne, TrackInverse: true},
			}},
		},
		Indexes: []model.IndexDef{
			{ID: 1, Name: "person_by_name", Kind: model.IndexHash, IsUnique: true,
				KeyProperties: []model.PropertyID{1}, ClassIDs: []model.ClassID{2}},
		},
	}
}

func runDemo(cmd *cobra.Command, args []string) error {
	e, err := engine.NewEngine(personModel(), engine.Options{
		Logger:     log,
		GCSchedule: demoGCSchedule,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer e.Close()

	pool := e.Strings()
	deptStore := e.Store(1)
	personStore := e.Store(2)
	deptClass := e.Model().Classes[1]
	personClass := e.Model().Classes[2]

	writer := e.Manager().BeginReadWrite(txn.Snapshot)
	deptID, err := writer.Create(deptStore, encodeDepartment(pool, deptClass, "Engineering"))
	if err != nil {
		return fmt.Errorf("create department: %w", err)
	}
	personID, err := writer.Create(personStore, encodePerson(pool, personClass, "Ada", 36, deptID))
	if err != nil {
		return fmt.Errorf("create person: %w", err)
	}
	if err := writer.Commit(context.Background()); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	log.Printf("created department=%d person=%d", deptID, personID)

	reader := e.Manager().BeginRead()
	v, err := reader.Read(personStore, personID)
	if err != nil {
		return fmt.Errorf("read person: %w", err)
	}
	r := record.NewReader(v.Data)
	nameHandle := r.Value(personClass.Properties[0]).(strpool.Handle)
	name, _ := pool.Get(nameHandle)
	age := r.Value(personClass.Properties[1]).(int32)
	department := r.GetIDOptimized(personClass.Properties[2].ByteOffset)
	log.Printf("read back: name=%s age=%d department=%d", name, age, department)

	lookup := e.HashIndex(1).Lookup(r.GetSimple(personClass.Properties[0].ByteOffset, 8))
	log.Printf("index lookup for %q resolved to %v", name, lookup)

	inverse := e.Inverse().GetInverse(deptID)
	log.Printf("department %d has %d inbound reference(s)", deptID, len(inverse))

	fmt.Printf("OK: %s (age %d) in department %d, indexed and inverse-tracked\n", name, age, department)
	return nil
}

func encodeDepartment(pool *strpool.Pool, c *model.Class, name string) []byte {
	w := record.NewWriter(c.RecordSize)
	h := pool.Acquire([]byte(name), true)
	w.PutHandle(c.Properties[0].ByteOffset, h)
	return w.Bytes()
}

func encodePerson(pool *strpool.Pool, c *model.Class, name string, age int32, dept model.ObjectID) []byte {
	w := record.NewWriter(c.RecordSize)
	nameProp, ageProp, deptProp := c.Properties[0], c.Properties[1], c.Properties[2]
	h := pool.Acquire([]byte(name), true)
	w.PutHandle(nameProp.ByteOffset, h)
	w.PutLong(ageProp.ByteOffset, int64(age))
	w.PutLong(deptProp.ByteOffset, int64(dept))
	return w.Bytes()
}
