// Command i64edit edits the directory tree embedded in an .i64 database
// file in place: listing, consistency checking, renaming, moving, and
// inserting directory nodes.
package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"

	"github.com/dirtree-tools/i64edit/internal/container"
	"github.com/dirtree-tools/i64edit/internal/dirtree"
)

const usage = `usage: i64edit [--copyfrom path] [action] target

actions:
  --list              print directory names
  --check             verify directory tree consistency
  --rename from to     replace from with to in every directory name
  --move i j           move directory i under parent j
  --insert i j         create a new directory i under parent j
`

// action is one parsed CLI action flag together with its operands.
type action struct {
	kind string // "list", "check", "rename", "move", "insert", or "" for none
	a, b string
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	copyFrom, act, target, err := parseArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprint(os.Stderr, usage)
		return 2
	}

	if copyFrom != "" {
		if err := copyFile(copyFrom, target); err != nil {
			log.Printf("i64edit: %v", err)
			return 1
		}
	}

	f, err := os.OpenFile(target, os.O_RDWR, 0)
	if err != nil {
		log.Printf("i64edit: opening %s: %v", target, err)
		return 1
	}
	defer f.Close()

	c, err := container.Open(f)
	if err != nil {
		log.Printf("i64edit: %v", err)
		return 1
	}

	section, err := c.OpenId0()
	if err != nil {
		log.Printf("i64edit: %v", err)
		return 1
	}

	dt, err := dirtree.Open(section.Tree)
	if err != nil {
		log.Printf("i64edit: %v", err)
		return 1
	}

	exitCode, dirty, err := applyAction(dt, act)
	if err != nil {
		log.Printf("i64edit: %v", err)
		return 1
	}

	if dirty {
		if err := c.Commit(section); err != nil {
			log.Printf("i64edit: commit: %v", err)
			return 1
		}
	}

	return exitCode
}

func applyAction(dt *dirtree.Tree, act action) (exitCode int, dirty bool, err error) {
	switch act.kind {
	case "list":
		for _, line := range dt.List() {
			fmt.Println(line)
		}
	case "check":
		problems := dt.Check()
		for _, p := range problems {
			fmt.Println(p)
		}
		if len(problems) > 0 {
			return 1, false, nil
		}
		fmt.Println("check complete")
	case "rename":
		if err := dt.Rename(act.a, act.b); err != nil {
			return 0, false, fmt.Errorf("rename: %w", err)
		}
		return 0, true, nil
	case "move":
		i, j, err := parsePair(act.a, act.b)
		if err != nil {
			return 0, false, err
		}
		if err := dt.Move(i, j); err != nil {
			return 0, false, fmt.Errorf("move: %w", err)
		}
		return 0, true, nil
	case "insert":
		i, j, err := parsePair(act.a, act.b)
		if err != nil {
			return 0, false, err
		}
		if err := dt.Insert(i, j); err != nil {
			return 0, false, fmt.Errorf("insert: %w", err)
		}
		return 0, true, nil
	}
	return 0, false, nil
}

func parsePair(a, b string) (int, int, error) {
	i, err := strconv.Atoi(a)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid id %q: %w", a, err)
	}
	j, err := strconv.Atoi(b)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid id %q: %w", b, err)
	}
	return i, j, nil
}

// parseArgs hand-scans argv rather than using the standard flag package,
// since --rename/--move/--insert each take two operands that flag has no
// native support for (the original prototype relied on argparse's nargs=2
// for the same reason).
func parseArgs(args []string) (copyFrom string, act action, target string, err error) {
	var positional []string

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch arg {
		case "--copyfrom":
			if i+1 >= len(args) {
				return "", action{}, "", fmt.Errorf("--copyfrom requires a path")
			}
			i++
			copyFrom = args[i]
		case "--list":
			if act.kind != "" {
				return "", action{}, "", fmt.Errorf("only one action flag is allowed")
			}
			act = action{kind: "list"}
		case "--check":
			if act.kind != "" {
				return "", action{}, "", fmt.Errorf("only one action flag is allowed")
			}
			act = action{kind: "check"}
		case "--rename", "--move", "--insert":
			if act.kind != "" {
				return "", action{}, "", fmt.Errorf("only one action flag is allowed")
			}
			if i+2 >= len(args) {
				return "", action{}, "", fmt.Errorf("%s requires two arguments", arg)
			}
			act = action{kind: arg[2:], a: args[i+1], b: args[i+2]}
			i += 2
		default:
			positional = append(positional, arg)
		}
	}

	if len(positional) != 1 {
		return "", action{}, "", fmt.Errorf("expected exactly one target file, got %d", len(positional))
	}
	return copyFrom, act, positional[0], nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	return out.Close()
}
