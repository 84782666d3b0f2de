package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Aysar1990/yas-remote-app/relay"
	"github.com/Aysar1990/yas-remote-app/transfer"
	"github.com/Aysar1990/yas-remote-app/wol"
)

// cli is the interactive command surface over the running client.
type cli struct {
	manager *relay.Manager
	engine  *transfer.Engine
	files   *transfer.FileManager
	wake    *wol.Client
	out     io.Writer
	// quit shuts the whole process down; only the quit command calls it,
	// so a client running with a closed stdin keeps serving.
	quit func()
}

// runLoop reads commands until quit, EOF, or context cancellation.
func (c *cli) runLoop(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	fmt.Fprintln(c.out, `Type "help" for the list of commands.`)
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !c.run(line) {
				return
			}
		}
	}
}

// run executes one command line. Returns false when the loop should stop.
func (c *cli) run(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "quit", "exit":
		if c.quit != nil {
			c.quit()
		}
		return false
	case "help":
		c.printHelp()
	case "status":
		c.printStatus()
	case "connect":
		if len(args) < 1 {
			fmt.Fprintln(c.out, "usage: connect <password> [trust]")
			break
		}
		trust := len(args) > 1 && args[1] == "trust"
		c.report(c.manager.Connect(args[0], trust))
	case "autologin":
		c.report(c.manager.AutoLogin())
	case "disconnect":
		c.manager.Disconnect()
	case "upload":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "usage: upload <local-path>")
			break
		}
		token, err := c.engine.UploadFile(args[0])
		if err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
			break
		}
		fmt.Fprintf(c.out, "upload queued: %s\n", token)
	case "download":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "usage: download <remote-path>")
			break
		}
		token, err := c.engine.Download(args[0])
		if err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
			break
		}
		fmt.Fprintf(c.out, "download requested: %s\n", token)
	case "cancel":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "usage: cancel <transfer-id>")
			break
		}
		c.report(c.engine.Cancel(args[0]))
	case "transfers":
		c.printTransfers()
	case "browse":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "usage: browse <remote-path>")
			break
		}
		c.report(c.files.Browse(args[0]))
	case "recent":
		c.report(c.files.RecentFiles())
	case "watch":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "usage: watch <remote-path>")
			break
		}
		id, err := c.files.Watch(args[0])
		if err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
			break
		}
		fmt.Fprintf(c.out, "watching %s as %s\n", args[0], id)
	case "unwatch":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "usage: unwatch <watcher-id>")
			break
		}
		c.report(c.files.Unwatch(args[0]))
	case "wake":
		c.runWake(args)
	default:
		fmt.Fprintf(c.out, "unknown command %q; type \"help\"\n", cmd)
	}
	return true
}

func (c *cli) runWake(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.out, "usage: wake <mac> [broadcast-ip]")
		return
	}
	if c.wake == nil {
		fmt.Fprintln(c.out, "wake is unavailable: no relay wake endpoint")
		return
	}

	target := wol.Target{MAC: args[0]}
	if len(args) > 1 {
		target.BroadcastIP = args[1]
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := c.wake.Wake(ctx, target); err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "wake signal sent to %s\n", target.MAC)
}

func (c *cli) printStatus() {
	state := c.manager.State()
	fmt.Fprintf(c.out, "state: %s\n", state)
	if sess := c.manager.Session(); state == relay.StateConnected && sess.ID != "" {
		fmt.Fprintf(c.out, "session %s expires in %s\n",
			sess.ID, sess.Remaining(time.Now()).Round(time.Second))
	}
}

func (c *cli) printTransfers() {
	active := c.engine.Active()
	if len(active) == 0 {
		fmt.Fprintln(c.out, "no active transfers")
		return
	}
	for _, tr := range active {
		fmt.Fprintf(c.out, "%s  %-8s %3d%%  %s\n", tr.ID, tr.Direction, tr.Progress, tr.FileName)
	}
}

func (c *cli) printHelp() {
	fmt.Fprint(c.out, `commands:
  connect <password> [trust]   authenticate with the computer's password
  autologin                    authenticate with the stored trusted device
  disconnect                   end the session
  status                       connection state and session expiry
  upload <local-path>          send a file to the computer
  download <remote-path>       fetch a file from the computer
  cancel <transfer-id>         cancel an upload or pending transfer
  transfers                    list active transfers
  browse <remote-path>         list a remote directory
  recent                       list recently transferred remote files
  watch <remote-path>          watch a remote folder for changes
  unwatch <watcher-id>         stop watching a folder
  wake <mac> [broadcast-ip]    wake the computer over LAN via the relay
  quit                         exit
`)
}

func (c *cli) report(err error) {
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		return
	}
	fmt.Fprintln(c.out, "ok")
}
