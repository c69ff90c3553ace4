package main

import (
	"fmt"
	"os"
	"strings"

	cli "github.com/spf13/pflag"

	"sofie/internal/ipc"
)

const usage = `usage: sofie-ctl [--socket path] <command> [text]

commands:
  talk     start listening, or stop the current turn
  stop     stop listening and send what was heard
  abort    cut the current reply short
  clear    forget the conversation
  say      send text without speaking it
  status   print the daemon state
`

func main() {
	socket := cli.StringP("socket", "s", "", "Control socket path")
	cli.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	cli.Parse()

	if cli.NArg() == 0 {
		cli.Usage()
		os.Exit(2)
	}

	path := *socket
	if path == "" {
		path = os.Getenv("SOFIE_CONTROL_SOCKET")
	}
	if path == "" {
		path = ipc.DefaultSocketPath()
	}

	msg := ipc.ControlMessage{
		Cmd:  ipc.Command(cli.Arg(0)),
		Text: strings.Join(cli.Args()[1:], " "),
	}
	if msg.Cmd == ipc.CmdSay && strings.TrimSpace(msg.Text) == "" {
		fmt.Fprintln(os.Stderr, "say needs some text")
		os.Exit(2)
	}

	reply, err := ipc.Send(path, msg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sofie daemon not running:", err)
		os.Exit(1)
	}

	fmt.Printf("phase=%s status=%s mode=%s\n", reply.Phase, reply.Status, reply.Mode)
	if reply.Error != "" {
		fmt.Fprintln(os.Stderr, "error:", reply.Error)
	}
	if !reply.OK {
		os.Exit(1)
	}
}
