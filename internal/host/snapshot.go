package host

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Snapshot is a serialized closure: a global function name plus fully
// materialized bound arguments. It holds no reference to interpreter memory.
type Snapshot []byte

type snapshotDoc struct {
	Func string        `json:"fn"`
	Args []snapshotArg `json:"args,omitempty"`
}

type snapshotArg struct {
	Kind  string          `json:"k"`
	Value json.RawMessage `json:"v"`
}

// Serialize builds a snapshot of the named global function with bound args.
// It needs no interpreter and is safe on any goroutine.
func Serialize(name string, args ...Value) (Snapshot, error) {
	doc := snapshotDoc{Func: name, Args: make([]snapshotArg, 0, len(args))}
	for i, arg := range args {
		kind, err := snapshotKind(arg)
		if err != nil {
			return nil, fmt.Errorf("snapshot argument %d: %w", i, err)
		}
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("snapshot argument %d: %w", i, err)
		}
		doc.Args = append(doc.Args, snapshotArg{Kind: kind, Value: raw})
	}
	return json.Marshal(doc)
}

// Snapshot serializes c. Only closures over global functions qualify.
func (in *Interpreter) Snapshot(c *Closure) (Snapshot, error) {
	if !c.global {
		return nil, fmt.Errorf("closure %s captures interpreter state and cannot be serialized", c.name)
	}
	return Serialize(c.name, c.bound...)
}

// Restore rebuilds a closure from a snapshot against this interpreter's globals.
func (in *Interpreter) Restore(s Snapshot) (*Closure, error) {
	var doc snapshotDoc
	if err := json.Unmarshal(s, &doc); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}

	c, err := in.Lookup(doc.Func)
	if err != nil {
		return nil, err
	}

	bound := make([]Value, 0, len(doc.Args))
	for i, arg := range doc.Args {
		v, err := decodeArg(arg)
		if err != nil {
			return nil, fmt.Errorf("snapshot argument %d: %w", i, err)
		}
		bound = append(bound, v)
	}
	c.bound = bound
	return c, nil
}

func snapshotKind(v Value) (string, error) {
	switch v.(type) {
	case nil:
		return "null", nil
	case bool:
		return "bool", nil
	case float64:
		return "f64", nil
	case int64:
		return "i64", nil
	case string:
		return "str", nil
	case []bool:
		return "[]bool", nil
	case []float64:
		return "[]f64", nil
	case []int64:
		return "[]i64", nil
	case []string:
		return "[]str", nil
	default:
		return "", fmt.Errorf("value of type %T is not materialized", v)
	}
}

func decodeArg(arg snapshotArg) (Value, error) {
	var err error
	switch arg.Kind {
	case "null":
		return nil, nil
	case "bool":
		var v bool
		err = json.Unmarshal(arg.Value, &v)
		return v, err
	case "f64":
		var v float64
		err = json.Unmarshal(arg.Value, &v)
		return v, err
	case "i64":
		var v int64
		err = json.Unmarshal(arg.Value, &v)
		return v, err
	case "str":
		var v string
		err = json.Unmarshal(arg.Value, &v)
		return v, err
	case "[]bool":
		var v []bool
		err = json.Unmarshal(arg.Value, &v)
		return v, err
	case "[]f64":
		var v []float64
		err = json.Unmarshal(arg.Value, &v)
		return v, err
	case "[]i64":
		var v []int64
		err = json.Unmarshal(arg.Value, &v)
		return v, err
	case "[]str":
		var v []string
		err = json.Unmarshal(arg.Value, &v)
		return v, err
	default:
		return nil, fmt.Errorf("unknown snapshot kind %q", arg.Kind)
	}
}
