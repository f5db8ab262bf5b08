package script

import (
	"fmt"
	"slices"
	"strings"

	"github.com/FocuswithJustin/dwgcore/core/database"
	"github.com/FocuswithJustin/dwgcore/core/directory"
	"github.com/FocuswithJustin/dwgcore/core/handle"
	"github.com/FocuswithJustin/dwgcore/core/record"
	"github.com/FocuswithJustin/dwgcore/internal/logging"
)

// ExecError reports the statement that failed during Run.
type ExecError struct {
	Name   string
	Line   int
	Source string
	Err    error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s:%d: %s: %v", e.Name, e.Line, e.Source, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// Report summarizes a replay.
type Report struct {
	Statements int
	Evicted    int
	Unloaded   int
	Checks     int
	Names      map[string]handle.Handle
}

// Run executes every statement against db and stops at the first failure.
func (s *Script) Run(db *database.DB) (*Report, error) {
	in := &interp{db: db, names: make(map[string]handle.Handle)}
	for _, ln := range s.Lines {
		if err := in.exec(ln.stmt); err != nil {
			return in.report(), &ExecError{Name: s.Name, Line: ln.Number, Source: ln.Source, Err: err}
		}
		in.rep.Statements++
	}
	logging.Info("script replayed", "script", s.Name, "statements", in.rep.Statements, "checks", in.rep.Checks)
	return in.report(), nil
}

type interp struct {
	db    *database.DB
	names map[string]handle.Handle
	rep   Report
}

func (in *interp) report() *Report {
	r := in.rep
	r.Names = in.names
	return &r
}

func (in *interp) lookup(name string) (handle.Handle, error) {
	h, ok := in.names[name]
	if !ok {
		return handle.Null, fmt.Errorf("undefined name %q", name)
	}
	return h, nil
}

func (in *interp) lookupAll(names []string) ([]handle.Handle, error) {
	hs := make([]handle.Handle, 0, len(names))
	for _, n := range names {
		h, err := in.lookup(n)
		if err != nil {
			return nil, err
		}
		hs = append(hs, h)
	}
	return hs, nil
}

func (in *interp) exec(st *statement) error {
	db := in.db
	switch {
	case st.New != nil:
		return in.create(st.New)
	case st.Set != nil:
		return in.modify(st.Set.Name, func(r *record.Record) { r.Text = st.Set.Text })
	case st.Own != nil:
		owned, err := in.lookup(st.Own.Owned)
		if err != nil {
			return err
		}
		return in.modify(st.Own.Owner, func(r *record.Record) { r.Own(owned) })
	case st.Begin:
		return db.Start()
	case st.Commit:
		return db.End()
	case st.Abort:
		return db.Abort()
	case st.Erase != "":
		return in.withHandle(st.Erase, func(h handle.Handle) error { return db.Erase(h, true) })
	case st.Unerase != "":
		return in.withHandle(st.Unerase, func(h handle.Handle) error { return db.Erase(h, false) })
	case st.Evict != "":
		return in.withHandle(st.Evict, db.Evict)
	case st.Unload != "":
		return in.withHandle(st.Unload, db.Unload)
	case st.Enqueue != "":
		return in.withHandle(st.Enqueue, db.Enqueue)
	case st.Flush:
		res, err := db.Flush()
		in.rep.Evicted += res.Evicted
		in.rep.Unloaded += res.Unloaded
		return err
	case st.UndoMark:
		return db.UndoToLastMark()
	case st.Undo:
		return db.Undo()
	case st.Redo:
		return db.Redo()
	case st.Mark:
		return db.SetMark()
	case st.Block != "":
		return db.BlockUndo(st.Block == "on")
	case st.Purge != nil:
		return in.purge(st.Purge)
	case st.Expect != nil:
		in.rep.Checks++
		return in.expect(st.Expect)
	case st.ExpectError != nil:
		in.rep.Checks++
		if err := in.exec(st.ExpectError); err == nil {
			return fmt.Errorf("expected an error, got none")
		}
		return nil
	}
	return fmt.Errorf("empty statement")
}

func (in *interp) withHandle(name string, fn func(handle.Handle) error) error {
	h, err := in.lookup(name)
	if err != nil {
		return err
	}
	return fn(h)
}

func (in *interp) create(st *newStmt) error {
	if _, dup := in.names[st.Name]; dup {
		return fmt.Errorf("name %q already defined", st.Name)
	}
	owns, err := in.lookupAll(st.Owns)
	if err != nil {
		return err
	}
	h, err := in.db.Add(func(h handle.Handle) directory.Entity {
		return record.New(h, st.Text, owns...)
	})
	if err != nil {
		return err
	}
	in.names[st.Name] = h
	return nil
}

func (in *interp) modify(name string, fn func(*record.Record)) error {
	h, err := in.lookup(name)
	if err != nil {
		return err
	}
	return in.db.Modify(h, func(e directory.Entity) error {
		r, ok := e.(*record.Record)
		if !ok {
			return fmt.Errorf("%s is a %T, not a record", name, e)
		}
		fn(r)
		return nil
	})
}

func (in *interp) purge(st *purgeStmt) error {
	candidates, err := in.lookupAll(st.Candidates)
	if err != nil {
		return err
	}
	kept, err := in.db.Purge(candidates)
	if err != nil {
		return err
	}
	if !st.Check {
		return nil
	}

	in.rep.Checks++
	want, err := in.lookupAll(st.Kept)
	if err != nil {
		return err
	}
	slices.Sort(want)
	if !slices.Equal(kept, want) {
		return fmt.Errorf("purge kept %s, want %s", in.nameList(kept), in.nameList(want))
	}
	return nil
}

func (in *interp) expect(st *expectStmt) error {
	h, err := in.lookup(st.Name)
	if err != nil {
		return err
	}
	state, _ := in.db.State(h)

	if st.Text == nil {
		got := stateWord(state)
		if got != st.State {
			return fmt.Errorf("%s is %s, want %s", st.Name, got, st.State)
		}
		return nil
	}

	e, err := in.db.Resolve(h)
	if err != nil {
		return err
	}
	r, ok := e.(*record.Record)
	if !ok {
		return fmt.Errorf("%s is a %T, not a record", st.Name, e)
	}
	if r.Text != *st.Text {
		return fmt.Errorf("%s = %q, want %q", st.Name, r.Text, *st.Text)
	}
	return nil
}

// stateWord maps a state to the word scripts use for it.
func stateWord(s directory.EntityState) string {
	switch s.(type) {
	case directory.Resident:
		return "resident"
	case directory.PagedOut:
		return "paged"
	case directory.Erased:
		return "erased"
	case directory.Pending:
		return "pending"
	}
	return "unknown"
}

func (in *interp) nameList(hs []handle.Handle) string {
	byHandle := make(map[handle.Handle]string, len(in.names))
	for n, h := range in.names {
		byHandle[h] = n
	}
	parts := make([]string, len(hs))
	for i, h := range hs {
		if n, ok := byHandle[h]; ok {
			parts[i] = n
		} else {
			parts[i] = h.String()
		}
	}
	return "[" + strings.Join(parts, " ") + "]"
}
