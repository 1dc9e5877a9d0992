// Package cli provides the interactive stdin REPL: single-line commands
// for inspecting the local account, building transfers, and dumping the
// pending pool.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/whosecoin/whosecoin-core/node"
)

type command struct {
	name  string
	usage string
	run   func(args []string) error
}

// CLI reads commands from an input stream and executes them against the
// node.
type CLI struct {
	node     *node.Node
	out      io.Writer
	commands []command
}

// New creates a CLI bound to n, writing output to out.
func New(n *node.Node, out io.Writer) *CLI {
	c := &CLI{node: n, out: out}
	c.commands = []command{
		{"value", "print the local account's balance at the principal leaf", c.cmdValue},
		{"public_key", "print the local hex public key", c.cmdPublicKey},
		{"send", "send <amount> <recipient-hex-64>", c.cmdSend},
		{"pool", "dump the pending transactions as JSON", c.cmdPool},
		{"peers", "list connected peers", c.cmdPeers},
		{"height", "print the principal chain height", c.cmdHeight},
	}
	return c
}

// Run reads lines from in until EOF. Call it from its own goroutine.
func (c *CLI) Run(in io.Reader) {
	fmt.Fprint(c.out, ">>> ")
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		c.execute(scanner.Text())
		fmt.Fprint(c.out, ">>> ")
	}
}

func (c *CLI) execute(line string) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return
	}
	for _, cmd := range c.commands {
		if cmd.name == args[0] {
			if err := cmd.run(args[1:]); err != nil {
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
			return
		}
	}
	c.printUsage()
}

func (c *CLI) printUsage() {
	fmt.Fprintln(c.out, "Use the following commands:")
	for _, cmd := range c.commands {
		fmt.Fprintf(c.out, "   %-12s%s\n", cmd.name, cmd.usage)
	}
}

func (c *CLI) cmdValue([]string) error {
	fmt.Fprintf(c.out, "value: %d\n", c.node.Balance())
	return nil
}

func (c *CLI) cmdPublicKey([]string) error {
	fmt.Fprintln(c.out, c.node.PublicKey().Hex())
	return nil
}

func (c *CLI) cmdSend(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: send <amount> <recipient-hex-64>")
	}
	amount, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q", args[0])
	}
	tx, err := c.node.Send(amount, args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "sent %s\n", tx.Hash().Hex())
	return nil
}

func (c *CLI) cmdPool([]string) error {
	dump, err := c.node.PoolJSON()
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, dump)
	return nil
}

func (c *CLI) cmdPeers([]string) error {
	for _, p := range c.node.Network().Peers() {
		fmt.Fprintf(c.out, "%s:%d\n", p.Addr(), p.Port())
	}
	return nil
}

func (c *CLI) cmdHeight([]string) error {
	fmt.Fprintf(c.out, "height: %d\n", c.node.Chain().Height())
	return nil
}
