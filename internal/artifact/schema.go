package artifact

import (
	"bytes"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const snapshotSchemaURL = "chbuild://snapshot.schema.json"

const snapshotSchema = `{
  "type": "object",
  "required": ["tables", "total_tables", "total_queries", "queries"],
  "properties": {
    "tables": {"type": "array", "items": {"type": "string"}},
    "total_tables": {"type": "integer", "minimum": 0},
    "total_queries": {"type": "integer", "minimum": 0},
    "queries": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["code"],
        "properties": {
          "description": {"type": "string"},
          "code": {"type": "string"},
          "location": {"type": "string"}
        }
      }
    },
    "error": {"type": "string"}
  }
}`

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func snapshotValidator() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(snapshotSchema)))
		if err != nil {
			compileErr = goerr.Wrap(err, "parse snapshot schema")
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(snapshotSchemaURL, doc); err != nil {
			compileErr = goerr.Wrap(err, "add snapshot schema")
			return
		}
		compiledSchema, compileErr = c.Compile(snapshotSchemaURL)
	})
	return compiledSchema, compileErr
}

// CheckSnapshotJSON validates raw bytes against the snapshot document shape.
func CheckSnapshotJSON(data []byte) error {
	sch, err := snapshotValidator()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return goerr.Wrap(ErrCorrupt, "snapshot is not valid JSON", goerr.V("cause", err.Error()))
	}
	if err := sch.Validate(inst); err != nil {
		return goerr.Wrap(ErrCorrupt, "snapshot does not match schema", goerr.V("cause", err.Error()))
	}
	return nil
}
