// Package script parses and replays scenario scripts against a database.
//
// A script has one statement per line. Entities are named by identifiers and
// the interpreter maps each name to the handle minted for it:
//
//	new A "block" owns B C
//	begin
//	set A "changed"
//	commit
//	evict A
//	expect A paged
//	undo
//	expect A "block"
//	purge B C => B
//	expect-error undo
//
// A "#" starts a comment that runs to the end of the line.
package script

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// statement is one script line.
//
//nolint:govet // participle grammar tags are not standard struct tags
type statement struct {
	New         *newStmt    `  "new" @@`
	Set         *setStmt    `| "set" @@`
	Own         *ownStmt    `| "own" @@`
	Begin       bool        `| @"begin"`
	Commit      bool        `| @"commit"`
	Abort       bool        `| @"abort"`
	Erase       string      `| "erase" @Ident`
	Unerase     string      `| "unerase" @Ident`
	Evict       string      `| "evict" @Ident`
	Unload      string      `| "unload" @Ident`
	Enqueue     string      `| "enqueue" @Ident`
	Flush       bool        `| @"flush"`
	UndoMark    bool        `| @"undo-mark"`
	Undo        bool        `| @"undo"`
	Redo        bool        `| @"redo"`
	Mark        bool        `| @"mark"`
	Block       string      `| "block" @("on" | "off")`
	Purge       *purgeStmt  `| "purge" @@`
	Expect      *expectStmt `| "expect" @@`
	ExpectError *statement  `| "expect-error" @@`
}

//nolint:govet // participle grammar tags are not standard struct tags
type newStmt struct {
	Name string   `@Ident`
	Text string   `@String`
	Owns []string `( "owns" @Ident+ )?`
}

//nolint:govet // participle grammar tags are not standard struct tags
type setStmt struct {
	Name string `@Ident`
	Text string `@String`
}

//nolint:govet // participle grammar tags are not standard struct tags
type ownStmt struct {
	Owner string `@Ident`
	Owned string `@Ident`
}

//nolint:govet // participle grammar tags are not standard struct tags
type purgeStmt struct {
	Candidates []string `@Ident+`
	Check      bool     `@"=>"?`
	Kept       []string `@Ident*`
}

//nolint:govet // participle grammar tags are not standard struct tags
type expectStmt struct {
	Name  string  `@Ident`
	Text  *string `( @String`
	State string  `| @("erased" | "paged" | "resident" | "pending") )`
}

// scriptLexer tokenizes a single script line.
var scriptLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `#[^\n]*`},
	{Name: "String", Pattern: `"(\\.|[^"\\])*"`},
	{Name: "Arrow", Pattern: `=>`},
	{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_\-]*`},
	{Name: "Whitespace", Pattern: `\s+`},
})

// lineParser is the participle parser for one statement.
var lineParser = participle.MustBuild[statement](
	participle.Lexer(scriptLexer),
	participle.Unquote("String"),
	participle.Elide("Whitespace", "Comment"),
)

// Line is one parsed statement with its position in the source.
type Line struct {
	Number int
	Source string
	stmt   *statement
}

// Script is a parsed scenario.
type Script struct {
	Name  string
	Lines []Line
}

// ParseError reports a line that is not a valid statement.
type ParseError struct {
	Name string
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %v", e.Name, e.Line, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Parse reads a script. Blank and comment-only lines are skipped.
func Parse(name string, r io.Reader) (*Script, error) {
	s := &Script{Name: name}
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		src := strings.TrimSpace(sc.Text())
		if src == "" || strings.HasPrefix(src, "#") {
			continue
		}
		stmt, err := lineParser.ParseString(name, src)
		if err != nil {
			return nil, &ParseError{Name: name, Line: n, Err: err}
		}
		s.Lines = append(s.Lines, Line{Number: n, Source: src, stmt: stmt})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return s, nil
}

// ParseString parses a script held in memory.
func ParseString(name, src string) (*Script, error) {
	return Parse(name, strings.NewReader(src))
}
