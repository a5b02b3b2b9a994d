// Command vordb inspects and edits a vordb environment from the shell.
package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"

	"github.com/alexhholmes/vordb"
	"github.com/alexhholmes/vordb/logger"
)

const version = "0.1.0"

// Globals are the flags shared by every command.
type Globals struct {
	Path     string `name:"path" short:"d" help:"Environment directory" type:"path" default:"." env:"VORDB_PATH"`
	PageSize int    `name:"page-size" help:"Page size for a new environment" default:"4096"`
	NoSync   bool   `name:"no-sync" help:"Do not fsync the journal on commit"`
	Verbose  bool   `short:"v" help:"Log engine activity to stderr"`
	Hex      bool   `short:"x" help:"Keys and values are hex encoded"`
}

// CLI defines the command-line interface for vordb.
type CLI struct {
	Globals

	Stats   StatsCmd   `cmd:"" help:"Print environment statistics"`
	Trees   TreesCmd   `cmd:"" help:"List trees"`
	Get     GetCmd     `cmd:"" help:"Print the value stored under a key"`
	Put     PutCmd     `cmd:"" help:"Store a value under a key"`
	Delete  DeleteCmd  `cmd:"" help:"Remove a key"`
	Scan    ScanCmd    `cmd:"" help:"Print keys and values in order"`
	Flush   FlushCmd   `cmd:"" help:"Flush committed transactions to the data file"`
	Backup  BackupCmd  `cmd:"" help:"Write a full backup archive"`
	Restore RestoreCmd `cmd:"" help:"Restore a backup archive into an empty directory"`
	Version VersionCmd `cmd:"" help:"Print version information"`
}

func (g *Globals) options() ([]vordb.Option, func(), error) {
	opts := []vordb.Option{vordb.WithPageSize(g.PageSize), vordb.WithManualFlush()}
	if g.NoSync {
		opts = append(opts, vordb.WithSyncMode(vordb.SyncOff))
	}
	if !g.Verbose {
		return opts, func() {}, nil
	}

	zl, err := zap.NewDevelopment()
	if err != nil {
		return nil, nil, err
	}
	opts = append(opts, vordb.WithLogger(logger.NewZap(zl)))
	return opts, func() { _ = zl.Sync() }, nil
}

// open opens the environment and hands it to fn, closing it afterwards.
func (g *Globals) open(fn func(*vordb.Env) error) (err error) {
	opts, done, err := g.options()
	if err != nil {
		return err
	}
	defer done()

	env, err := vordb.Open(g.Path, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := env.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(env)
}

func (g *Globals) decode(s string) ([]byte, error) {
	if g.Hex {
		return hex.DecodeString(s)
	}
	return []byte(s), nil
}

func (g *Globals) encode(b []byte) string {
	if g.Hex {
		return hex.EncodeToString(b)
	}
	return string(b)
}

// StatsCmd prints environment statistics as JSON.
type StatsCmd struct{}

func (c *StatsCmd) Run(g *Globals) error {
	return g.open(func(env *vordb.Env) error {
		out := struct {
			ID       string      `json:"id"`
			PageSize int         `json:"page_size"`
			Stats    vordb.Stats `json:"stats"`
		}{env.ID().String(), env.PageSize(), env.Stats()}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	})
}

// TreesCmd lists trees with their entry counts.
type TreesCmd struct{}

func (c *TreesCmd) Run(g *Globals) error {
	return g.open(func(env *vordb.Env) error {
		return env.View(func(tx *vordb.Tx) error {
			names, err := tx.Trees()
			if err != nil {
				return err
			}
			for _, name := range names {
				t, err := tx.ReadTree(name)
				if err != nil {
					return err
				}
				s := t.Stats()
				fmt.Printf("%s\tentries=%d depth=%d pages=%d\n",
					name, s.Entries, s.Depth, s.BranchPages+s.LeafPages+s.OverflowPages)
			}
			return nil
		})
	})
}

// GetCmd prints one value.
type GetCmd struct {
	Tree string `arg:"" help:"Tree name"`
	Key  string `arg:"" help:"Key"`
}

func (c *GetCmd) Run(g *Globals) error {
	key, err := g.decode(c.Key)
	if err != nil {
		return err
	}
	return g.open(func(env *vordb.Env) error {
		return env.View(func(tx *vordb.Tx) error {
			t, err := tx.ReadTree(c.Tree)
			if err != nil {
				return err
			}
			v, err := t.Get(key)
			if err != nil {
				return err
			}
			fmt.Println(g.encode(v))
			return nil
		})
	})
}

// PutCmd stores one value, creating the tree if needed.
type PutCmd struct {
	Tree  string `arg:"" help:"Tree name"`
	Key   string `arg:"" help:"Key"`
	Value string `arg:"" optional:"" help:"Value, read from stdin when omitted"`
}

func (c *PutCmd) Run(g *Globals) error {
	key, err := g.decode(c.Key)
	if err != nil {
		return err
	}
	var value []byte
	if c.Value != "" {
		value, err = g.decode(c.Value)
	} else if value, err = io.ReadAll(os.Stdin); err == nil && g.Hex {
		value, err = hex.DecodeString(strings.TrimSpace(string(value)))
	}
	if err != nil {
		return err
	}

	return g.open(func(env *vordb.Env) error {
		return env.Update(func(tx *vordb.Tx) error {
			t, err := tx.CreateTreeIfNotExists(c.Tree)
			if err != nil {
				return err
			}
			return t.Put(key, value)
		})
	})
}

// DeleteCmd removes a key, or a whole tree with --tree.
type DeleteCmd struct {
	Tree    string `arg:"" help:"Tree name"`
	Key     string `arg:"" optional:"" help:"Key"`
	AllKeys bool   `name:"tree" help:"Delete the tree itself"`
}

func (c *DeleteCmd) Run(g *Globals) error {
	if !c.AllKeys && c.Key == "" {
		return fmt.Errorf("a key is required unless --tree is set")
	}
	key, err := g.decode(c.Key)
	if err != nil {
		return err
	}
	return g.open(func(env *vordb.Env) error {
		return env.Update(func(tx *vordb.Tx) error {
			if c.AllKeys {
				return tx.DeleteTree(c.Tree)
			}
			t, err := tx.ReadTree(c.Tree)
			if err != nil {
				return err
			}
			return t.Delete(key)
		})
	})
}

// ScanCmd prints entries in key order.
type ScanCmd struct {
	Tree    string `arg:"" help:"Tree name"`
	Prefix  string `help:"Only keys with this prefix"`
	Reverse bool   `short:"r" help:"Scan in descending order"`
	Limit   int    `short:"n" help:"Stop after this many entries (0 for all)"`
}

func (c *ScanCmd) Run(g *Globals) error {
	prefix, err := g.decode(c.Prefix)
	if err != nil {
		return err
	}
	return g.open(func(env *vordb.Env) error {
		return env.View(func(tx *vordb.Tx) error {
			t, err := tx.ReadTree(c.Tree)
			if err != nil {
				return err
			}

			count := 0
			emit := func(k, v []byte) error {
				if len(prefix) > 0 && !bytes.HasPrefix(k, prefix) {
					return nil
				}
				fmt.Printf("%s\t%s\n", g.encode(k), g.encode(v))
				count++
				if c.Limit > 0 && count >= c.Limit {
					return errLimit
				}
				return nil
			}

			switch {
			case c.Reverse:
				err = t.Iterate(nil, vordb.Backward, emit)
			case len(prefix) > 0:
				err = t.ForEachPrefix(prefix, emit)
			default:
				err = t.ForEach(emit)
			}
			if errors.Is(err, errLimit) {
				return nil
			}
			return err
		})
	})
}

var errLimit = errors.New("limit reached")

// FlushCmd forces a flush.
type FlushCmd struct{}

func (c *FlushCmd) Run(g *Globals) error {
	return g.open(func(env *vordb.Env) error {
		if err := env.Flush(); err != nil {
			return err
		}
		s := env.Stats()
		fmt.Printf("flushed through txn %d\n", s.FlushedTxnID)
		return nil
	})
}

// BackupCmd writes a tar.xz backup.
type BackupCmd struct {
	Output string `arg:"" help:"Archive path" type:"path"`
}

func (c *BackupCmd) Run(g *Globals) error {
	f, err := os.OpenFile(c.Output, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	return g.open(func(env *vordb.Env) error {
		start := time.Now()
		m, err := env.ExportFull(f)
		if err != nil {
			return err
		}
		if err := f.Sync(); err != nil {
			return err
		}
		fmt.Printf("backup of txn %d (%d files) written in %s\n", m.TxnID, len(m.Files), time.Since(start).Round(time.Millisecond))
		return nil
	})
}

// RestoreCmd restores a backup into --path.
type RestoreCmd struct {
	Input string `arg:"" help:"Archive path" type:"existingfile"`
}

func (c *RestoreCmd) Run(g *Globals) error {
	f, err := os.Open(c.Input)
	if err != nil {
		return err
	}
	defer f.Close()

	opts, done, err := g.options()
	if err != nil {
		return err
	}
	defer done()

	if err := vordb.RestoreFull(f, g.Path, opts...); err != nil {
		return err
	}
	fmt.Printf("restored into %s\n", g.Path)
	return nil
}

// VersionCmd prints version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("vordb %s\n", version)
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("vordb"),
		kong.Description("Inspect and edit a vordb environment"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Bind(&cli.Globals),
	)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
