package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/clusterkit/taskd/internal/privchan"
)

// hostnamePattern constrains hostname and domain arguments. Arguments are
// passed as exec argv, never through a shell, but privileged input still
// gets validated.
var hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9.-]{0,252}[a-zA-Z0-9])?$`)

// actions implements the privileged side of the command vocabulary. Each
// method is one pre-approved operation; nothing here takes a path or a
// program name from the wire.
type actions struct {
	logger    *slog.Logger
	hostsPath string
}

func newActions(logger *slog.Logger) *actions {
	return &actions{
		logger:    logger.With("component", "priv_actions"),
		hostsPath: "/etc/hosts",
	}
}

func (a *actions) register(server *privchan.Server) {
	server.Handle(privchan.CmdPing, a.ping)
	server.Handle(privchan.CmdAptUpdate, a.aptUpdate)
	server.Handle(privchan.CmdSetHostEntry, a.setHostEntry)
	server.Handle(privchan.CmdRenewCertificate, a.renewCertificate)
}

func (a *actions) ping(_ context.Context, _ privchan.Command) (any, error) {
	hostname, _ := os.Hostname()
	return map[string]any{"pong": true, "hostname": hostname}, nil
}

func (a *actions) aptUpdate(ctx context.Context, _ privchan.Command) (any, error) {
	runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	out, err := exec.CommandContext(runCtx, "apt-get", "update").CombinedOutput()
	if err != nil {
		a.logger.Error("apt-get update failed", "error", err, "output", string(out))
		return nil, fmt.Errorf("package index update failed")
	}
	return map[string]string{"output": string(out)}, nil
}

func (a *actions) setHostEntry(_ context.Context, cmd privchan.Command) (any, error) {
	args, ok := cmd.(*privchan.SetHostEntryCommand)
	if !ok {
		return nil, fmt.Errorf("unexpected command type")
	}
	if !hostnamePattern.MatchString(args.Hostname) {
		return nil, fmt.Errorf("invalid hostname")
	}
	if strings.ContainsAny(args.Address, " \t\n") || args.Address == "" {
		return nil, fmt.Errorf("invalid address")
	}

	if err := a.rewriteHostEntry(args.Hostname, args.Address); err != nil {
		a.logger.Error("hosts file update failed", "error", err)
		return nil, fmt.Errorf("hosts file update failed")
	}
	a.logger.Info("host entry updated", "hostname", args.Hostname, "address", args.Address)
	return nil, nil
}

// rewriteHostEntry replaces any existing line for hostname and appends
// the new mapping. The file is rewritten via a temp file and rename, so
// a crash never leaves a half-written hosts file.
func (a *actions) rewriteHostEntry(hostname, address string) error {
	data, err := os.ReadFile(a.hostsPath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	var kept []string
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && !strings.HasPrefix(fields[0], "#") && containsHost(fields[1:], hostname) {
			continue
		}
		kept = append(kept, line)
	}
	for len(kept) > 0 && strings.TrimSpace(kept[len(kept)-1]) == "" {
		kept = kept[:len(kept)-1]
	}
	kept = append(kept, fmt.Sprintf("%s %s", address, hostname), "")

	tmp := a.hostsPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(kept, "\n")), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, a.hostsPath)
}

func containsHost(names []string, hostname string) bool {
	for _, n := range names {
		if strings.EqualFold(n, hostname) {
			return true
		}
	}
	return false
}

func (a *actions) renewCertificate(ctx context.Context, cmd privchan.Command) (any, error) {
	args, ok := cmd.(*privchan.RenewCertificateCommand)
	if !ok {
		return nil, fmt.Errorf("unexpected command type")
	}
	if !hostnamePattern.MatchString(args.Domain) {
		return nil, fmt.Errorf("invalid domain")
	}

	runCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	out, err := exec.CommandContext(runCtx, "certbot", "renew", "--cert-name", args.Domain).CombinedOutput()
	if err != nil {
		a.logger.Error("certificate renewal failed",
			"domain", args.Domain, "error", err, "output", string(out))
		return nil, fmt.Errorf("certificate renewal failed")
	}
	a.logger.Info("certificate renewed", "domain", args.Domain)
	return map[string]string{"output": string(out)}, nil
}
