package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"github.com/google/shlex"
	"github.com/spf13/cobra"

	"github.com/xiaoxuxiansheng/lsmkv"
)

// 交互式 shell. 每行输入按 shell 规则切分后交给 cobra 命令树执行
type shell struct {
	tree *lsmkv.Tree
	out  io.Writer
	quit bool
}

func newShell(tree *lsmkv.Tree, out io.Writer) *shell {
	return &shell{tree: tree, out: out}
}

// 读到 quit 或输入结束时关闭 store
func (s *shell) run(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for !s.quit {
		fmt.Fprint(s.out, "$ ")
		if !scanner.Scan() {
			fmt.Fprintln(s.out)
			if err := scanner.Err(); err != nil {
				_ = s.tree.Close()
				return err
			}
			return s.tree.Close()
		}

		args, err := shlex.Split(scanner.Text())
		if err != nil {
			fmt.Fprintln(s.out, "error:", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		if err = s.exec(args); err != nil {
			fmt.Fprintln(s.out, "error:", err)
		}
	}
	return nil
}

func (s *shell) exec(args []string) error {
	cmd := s.commands()
	cmd.SetArgs(args)
	cmd.SetOut(s.out)
	cmd.SetErr(s.out)
	return cmd.Execute()
}

func (s *shell) commands() *cobra.Command {
	root := &cobra.Command{
		Use:           "lsm",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(
		&cobra.Command{
			Use:   "get <key>",
			Short: "read a key",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, ok, err := s.tree.Get([]byte(args[0]))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintf(s.out, "%s not found\n", args[0])
					return nil
				}
				fmt.Fprintf(s.out, "%s=%s\n", args[0], v)
				return nil
			},
		},
		&cobra.Command{
			Use:   "put <key> <value>",
			Short: "write a key",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return s.tree.Put([]byte(args[0]), []byte(args[1]))
			},
		},
		&cobra.Command{
			Use:   "delete <key>",
			Short: "delete a key",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return s.tree.Delete([]byte(args[0]))
			},
		},
		&cobra.Command{
			Use:   "scan [lower] [upper]",
			Short: "list keys in [lower, upper)",
			Args:  cobra.RangeArgs(0, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				var start, end []byte
				if len(args) > 0 {
					start = []byte(args[0])
				}
				if len(args) > 1 {
					end = []byte(args[1])
				}
				it, err := s.tree.Scan(start, end)
				if err != nil {
					return err
				}
				defer it.Close()
				for ; it.Valid(); it.Next() {
					fmt.Fprintf(s.out, "%s=%s\n", it.Key(), it.Value())
				}
				return it.Err()
			},
		},
		&cobra.Command{
			Use:   "fill <lower> <upper>",
			Short: "write k<i>=value@<i> for i in [lower, upper)",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				lower, err := strconv.Atoi(args[0])
				if err != nil {
					return err
				}
				upper, err := strconv.Atoi(args[1])
				if err != nil {
					return err
				}
				return s.tree.Fill(lower, upper)
			},
		},
		&cobra.Command{
			Use:   "flush",
			Short: "flush all memtables to level 0",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return s.tree.Flush()
			},
		},
		&cobra.Command{
			Use:   "compact",
			Short: "run compaction until no level needs it",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return s.tree.Compact()
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "print memtable and level statistics",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				stats, err := s.tree.Stats()
				if err != nil {
					return err
				}
				fmt.Fprintf(s.out, "seq=%d memtable=%d entries/%d bytes frozen=%d snapshots=%d block_cache=%d bytes\n",
					stats.Seq, stats.MemTableEntries, stats.MemTableSize, stats.FrozenMemTables, stats.Snapshots, stats.BlockCacheUsage)
				for level, l := range stats.Levels {
					if l.Tables == 0 {
						continue
					}
					fmt.Fprintf(s.out, "L%d: %d tables, %d bytes\n", level, l.Tables, l.Size)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "quit",
			Short: "close the store and exit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				s.quit = true
				return s.tree.Close()
			},
		},
	)
	return root
}
