// Package console maps the text commands typed by an operator onto the
// backup operations and renders their results as plain text.
package console

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kebairia/drivebackup/internal/operations"
)

var (
	// ErrUnknownCommand is returned for input that names no command.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrUsage is returned when a command gets the wrong arguments.
	ErrUsage = errors.New("invalid usage")
)

// Core is the set of operations the console drives.
// *operations.OperationManager implements it.
type Core interface {
	AuthorizationURL(ctx context.Context) (string, error)
	Authorize(ctx context.Context, code string) error
	RequestBackup() *operations.Ticket
	SetInterval(d time.Duration) error
	AddWorld(name string) (bool, error)
	RemoveWorld(name string) (bool, error)
	ToggleMods() (bool, error)
	Status(ctx context.Context) operations.Status
}

var _ Core = (*operations.OperationManager)(nil)

// Response is the outcome of one command. Ticket is set by backup so a
// caller may wait for the run.
type Response struct {
	OK      bool
	Message string
	Ticket  *operations.Ticket
}

func ok(format string, args ...any) Response {
	return Response{OK: true, Message: fmt.Sprintf(format, args...)}
}

func fail(what string, err error) Response {
	return Response{Message: fmt.Sprintf("Failed to %s: %v", what, err)}
}

// Usage lists the accepted commands.
const Usage = `Commands:
  auth                         print the authorization URL
  code <authorization_code>    finish authorization
  backup                       start a backup now
  config interval <minutes>    change the backup interval
  config addworld <name>       add a world to the backup list
  config removeworld <name>    remove a world from the backup list
  config togglemods            enable or disable the mods backup
  config status                show the current configuration`

// Execute runs the command given as whitespace separated args.
func Execute(ctx context.Context, core Core, args []string) Response {
	if len(args) == 0 {
		return Response{Message: Usage}
	}

	switch args[0] {
	case "auth":
		return authURL(ctx, core)
	case "code":
		if len(args) != 2 {
			return usage("code <authorization_code>")
		}
		return authorize(ctx, core, args[1])
	case "backup":
		t := core.RequestBackup()
		return Response{OK: true, Message: "Starting manual backup...", Ticket: t}
	case "config":
		return configure(ctx, core, args[1:])
	case "help":
		return ok("%s", Usage)
	}
	return Response{Message: fmt.Sprintf("%v: %q\n%s", ErrUnknownCommand, args[0], Usage)}
}

// ExecuteLine splits line on whitespace and runs it.
func ExecuteLine(ctx context.Context, core Core, line string) Response {
	return Execute(ctx, core, strings.Fields(line))
}

func usage(form string) Response {
	return Response{Message: fmt.Sprintf("%v: %s", ErrUsage, form)}
}

func authURL(ctx context.Context, core Core) Response {
	url, err := core.AuthorizationURL(ctx)
	if err != nil {
		return fail("get authorization URL", err)
	}
	return ok("Open this URL to authorize Google Drive backup:\n%s\nAfter authorizing, copy the code and use:\ncode <authorization_code>", url)
}

func authorize(ctx context.Context, core Core, code string) Response {
	if err := core.Authorize(ctx, code); err != nil {
		return fail("authorize", err)
	}
	return ok("Successfully authorized Google Drive backup!")
}

func configure(ctx context.Context, core Core, args []string) Response {
	if len(args) == 0 {
		return usage("config interval|addworld|removeworld|togglemods|status")
	}

	switch args[0] {
	case "interval":
		if len(args) != 2 {
			return usage("config interval <minutes>")
		}
		minutes, err := strconv.Atoi(args[1])
		if err != nil || minutes < 1 {
			return usage("config interval <minutes>, minutes must be a whole number of at least 1")
		}
		if err := core.SetInterval(time.Duration(minutes) * time.Minute); err != nil {
			return fail("set interval", err)
		}
		return ok("Backup interval set to %d minutes", minutes)

	case "addworld":
		if len(args) != 2 {
			return usage("config addworld <name>")
		}
		added, err := core.AddWorld(args[1])
		if err != nil {
			return fail("add world", err)
		}
		if !added {
			return ok("World '%s' is already in the backup list", args[1])
		}
		return ok("Added world '%s' to backup list", args[1])

	case "removeworld":
		if len(args) != 2 {
			return usage("config removeworld <name>")
		}
		removed, err := core.RemoveWorld(args[1])
		if err != nil {
			return fail("remove world", err)
		}
		if !removed {
			return ok("World '%s' was not in the backup list", args[1])
		}
		return ok("Removed world '%s' from backup list", args[1])

	case "togglemods":
		enabled, err := core.ToggleMods()
		if err != nil {
			return fail("toggle mods backup", err)
		}
		return ok("Mods backup %s", enabledWord(enabled))

	case "status":
		return ok("%s", formatStatus(core.Status(ctx)))
	}
	return Response{Message: fmt.Sprintf("%v: config %q", ErrUnknownCommand, args[0])}
}

func formatStatus(st operations.Status) string {
	var b strings.Builder
	b.WriteString("Backup Configuration:\n")
	fmt.Fprintf(&b, "- Authenticated: %s (%s)\n", yesNo(st.Authenticated), st.AuthState)
	fmt.Fprintf(&b, "- Backup Interval: %d minutes\n", int64(st.Interval/time.Minute))
	fmt.Fprintf(&b, "- Backup Mods: %s\n", yesNo(st.BackupMods))
	worlds := "none"
	if len(st.Worlds) > 0 {
		worlds = strings.Join(st.Worlds, ", ")
	}
	fmt.Fprintf(&b, "- Worlds to backup: %s\n", worlds)
	last := "never"
	if st.LastBackupTime != "" {
		last = st.LastBackupTime
	}
	fmt.Fprintf(&b, "- Last backup: %s\n", last)
	fmt.Fprintf(&b, "- Backup running: %s\n", yesNo(st.Running))
	fmt.Fprintf(&b, "- Remote storage: %s", st.RemoteBreaker)
	return b.String()
}

func yesNo(v bool) string {
	if v {
		return "Yes"
	}
	return "No"
}

func enabledWord(v bool) string {
	if v {
		return "enabled"
	}
	return "disabled"
}
