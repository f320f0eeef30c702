package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/veloxdb/veloxdb/internal/engine"
	"github.com/veloxdb/veloxdb/internal/model"
	"github.com/veloxdb/veloxdb/internal/modelupdate"
	"github.com/veloxdb/veloxdb/internal/txn"
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Seed a model, then run a schema update through the model-update coordinator",
	RunE:  runUpdate,
}

var updateAlignment bool

func init() {
	updateCmd.Flags().BoolVar(&updateAlignment, "alignment", false, "run as alignment against a peer that already validated the change")
}

// evolvedPersonModel adds an unindexed "email" property to Person and a
// second, non-unique hash index on Person's existing "age" property, on top
// of personModel's Department/Person pair.
func evolvedPersonModel() model.Document {
	doc := personModel()
	person := &doc.Classes[1]
	person.Properties = append(person.Properties, model.PropertyDef{
		ID: 4, Name: "email", Kind: model.KindSimple, Type: model.TypeString, DefaultValue: "",
	})
	doc.Indexes = append(doc.Indexes, model.IndexDef{
		ID: 2, Name: "person_by_age", Kind: model.IndexHash,
		KeyProperties: []model.PropertyID{2}, ClassIDs: []model.ClassID{2},
	})
	return doc
}

func runUpdate(cmd *cobra.Command, args []string) error {
	e, err := engine.NewEngine(personModel(), engine.Options{Logger: log})
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
		return fmt.Errorf("seed department: %w", err)
	}
	if _, err := writer.Create(personStore, encodePerson(pool, personClass, "Ada", 36, deptID)); err != nil {
		return fmt.Errorf("seed person: %w", err)
	}
	if err := writer.Commit(context.Background()); err != nil {
		return fmt.Errorf("seed commit: %w", err)
	}
	log.Printf("seeded one department and one person under version %s", e.Model().VersionID)

	coord := modelupdate.NewCoordinator(e)
	next, err := coord.Execute(context.Background(), evolvedPersonModel(), modelupdate.Options{
		IsAlignment: updateAlignment,
	})
	if err != nil {
		return fmt.Errorf("model update: %w", err)
	}
	log.Printf("model updated to version %s", next.VersionID)

	person, ok := next.Classes[2]
	if !ok {
		return fmt.Errorf("updated model is missing class 2")
	}
	if _, ok := person.PropertyByID(4); !ok {
		return fmt.Errorf("updated Person class is missing the email property")
	}

	reader := e.Manager().BeginRead()
	v, err := reader.Read(e.Store(2), model.MakeID(2, 1))
	if err != nil {
		return fmt.Errorf("read rewritten person: %w", err)
	}
	fmt.Printf("OK: model %s now has %d indexes; rewritten person record is %d bytes\n",
		next.VersionID, len(next.Indexes), len(v.Data))
	return nil
}
