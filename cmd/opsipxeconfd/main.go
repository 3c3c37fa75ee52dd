// Command opsipxeconfd is the PXE boot configuration daemon (spec.md
// §6). Grounded on cmd/omega/main.go's subsystem wiring order and
// startup banner style: `opsipxeconfd start` brings up the full daemon
// in-process; `opsipxeconfd setup` runs the one-time menu patch against
// the service; every other sub-command dials the control socket and
// relays its arguments, exiting 0 on a success reply and 1 on an
// `(ERROR)` reply or transport failure (spec.md §6).
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/opsiorg/opsipxeconfd/internal/config"
	"github.com/opsiorg/opsipxeconfd/internal/daemon"
	"github.com/opsiorg/opsipxeconfd/internal/serviceclient"
	"github.com/opsiorg/opsipxeconfd/internal/setup"
	envconfig "github.com/opsiorg/opsipxeconfd/pkg/config"
)

const usage = `usage: opsipxeconfd <start|stop|status|update <host_id>|remove <host_id>|setup> [-c config] [-d]`

// reexecEnvVar marks a process as the detached child of a daemonizing
// re-exec, so it doesn't try to daemonize again.
const reexecEnvVar = "OPSIPXECONFD_REEXECED"

func main() {
	envconfig.LoadEnv()

	args := os.Args[1:]
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	cmd := args[0]
	rest := args[1:]

	daemonize, rest := extractDaemonizeFlag(rest)
	configPath, rest := extractConfigFlag(rest)

	var err error
	switch cmd {
	case "start":
		err = runStart(configPath, daemonize)
	case "setup":
		err = runSetup(configPath)
	case "stop", "status":
		err = relay(configPath, cmd, rest)
	case "update", "remove":
		if len(rest) != 1 {
			fmt.Fprintf(os.Stderr, "usage: opsipxeconfd %s <host_id>\n", cmd)
			os.Exit(1)
		}
		err = relay(configPath, cmd+" "+rest[0], nil)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// extractDaemonizeFlag removes a bare "-d"/"--daemonize" flag from args.
func extractDaemonizeFlag(args []string) (bool, []string) {
	out := make([]string, 0, len(args))
	found := false
	for _, a := range args {
		if a == "-d" || a == "--daemonize" {
			found = true
			continue
		}
		out = append(out, a)
	}
	return found, out
}

// extractConfigFlag pulls the first "-c <path>" (or "--config <path>")
// pair, wherever it appears, out of args, returning the config path (or "" for the default
// search path) and the remaining arguments.
func extractConfigFlag(args []string) (string, []string) {
	for i, a := range args {
		if (a == "-c" || a == "--config") && i+1 < len(args) {
			out := append(append([]string{}, args[:i]...), args[i+2:]...)
			return args[i+1], out
		}
	}
	return "", args
}

func runStart(configPath string, daemonize bool) error {
	if daemonize && os.Getenv(reexecEnvVar) == "" {
		return reexecDetached()
	}

	fmt.Println("+----------------------------------------+")
	fmt.Println("|            opsipxeconfd                 |")
	fmt.Println("|   PXE boot configuration daemon          |")
	fmt.Println("+----------------------------------------+")

	d, err := daemon.New(configPath)
	if err != nil {
		return fmt.Errorf("opsipxeconfd: %w", err)
	}
	fmt.Println("daemon initialized")
	return d.Run(context.Background())
}

// reexecDetached implements spec.md §4.9's "optionally daemonize"
// step. A raw POSIX double-fork is unsafe in a Go process (fork only
// continues the calling OS thread; the runtime's other scheduler
// threads do not survive into the child), so this re-execs the same
// binary with OPSIPXECONFD_REEXECED set, a new session (detached from
// the controlling terminal via Setsid), and stdio redirected to
// /dev/null — then the parent returns immediately, leaving the child
// running in the background.
func reexecDetached() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("opsipxeconfd: daemonize: locate executable: %w", err)
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opsipxeconfd: daemonize: open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	child := exec.Command(exe, os.Args[1:]...)
	child.Env = append(os.Environ(), reexecEnvVar+"=1")
	child.Stdin = devNull
	child.Stdout = devNull
	child.Stderr = devNull
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := child.Start(); err != nil {
		return fmt.Errorf("opsipxeconfd: daemonize: start detached child: %w", err)
	}
	fmt.Printf("opsipxeconfd daemonized (pid %d)\n", child.Process.Pid)
	return nil
}

func runSetup(configPath string) error {
	cfg, err := config.NewStore(configPath)
	if err != nil {
		return fmt.Errorf("opsipxeconfd setup: %w", err)
	}
	snap := cfg.Load()

	svc := serviceclient.New(serviceclient.Config{
		URL:             snap.ServiceURL,
		User:            snap.ServiceUser,
		Password:        snap.ServicePassword,
		CACertFile:      snap.CACertFile,
		ConnectRetries:  snap.ConnectRetries,
		ConnectRetryGap: time.Duration(snap.ConnectRetryDelaySeconds) * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := svc.Connect(ctx); err != nil {
		return fmt.Errorf("opsipxeconfd setup: connect to service: %w", err)
	}
	defer svc.Disconnect()

	return setup.Run(ctx, snap, svc)
}

// relay dials the control socket and sends a single command line,
// printing the reply and returning an error (exit code 1) if the reply
// is prefixed with the error marker or the socket couldn't be reached
// (spec.md §6).
func relay(configPath, command string, _ []string) error {
	cfg, err := config.NewStore(configPath)
	if err != nil {
		return fmt.Errorf("opsipxeconfd: %w", err)
	}
	snap := cfg.Load()

	conn, err := net.DialTimeout("unix", snap.SocketPath, 5*time.Second)
	if err != nil {
		return fmt.Errorf("opsipxeconfd: connect to %s: %w", snap.SocketPath, err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(65 * time.Second))
	if _, err := conn.Write([]byte(command)); err != nil {
		return fmt.Errorf("opsipxeconfd: send command: %w", err)
	}

	data, err := io.ReadAll(conn)
	if err != nil && len(data) == 0 {
		return fmt.Errorf("opsipxeconfd: read reply: %w", err)
	}
	reply := string(data)

	fmt.Println(reply)
	if strings.HasPrefix(reply, "(ERROR)") {
		return fmt.Errorf("opsipxeconfd: %s", reply)
	}
	return nil
}
