package dispatcher

import (
	"fmt"
	"strings"

	"github.com/psantana5/mediabot/pkg/media"
	"github.com/psantana5/mediabot/pkg/models"
)

// Command names understood by the dispatcher
const (
	CmdFetch   = "fetch"
	CmdShot    = "shot"
	CmdConvert = "convert"
	CmdStatus  = "status"
	CmdCancel  = "cancel"
	CmdPick    = "pick"
	CmdHelp    = "help"
)

// usage lines shown by help and on malformed arguments
var usage = map[string]string{
	CmdFetch:   "fetch <url> [script]  render a page, optionally run a script in it",
	CmdShot:    "shot <url> [format]   screenshot a page (png, jpg, webp, gif)",
	CmdConvert: "convert <format> [url]  convert a media link or the attached file",
	CmdStatus:  "status <job-id>       show a job's state",
	CmdCancel:  "cancel <job-id>       cancel a queued or running job",
	CmdPick:    "pick a, b, c          pick one option at random",
	CmdHelp:    "help                  show this list",
}

var commandOrder = []string{CmdFetch, CmdShot, CmdConvert, CmdStatus, CmdCancel, CmdPick, CmdHelp}

// Command is a parsed chat command
type Command struct {
	Name string
	Args []string
	// Rest is the unsplit text after the command name
	Rest string
}

// Parse extracts a command from message text. ok is false when the text is
// not addressed to the bot at all.
func Parse(prefix, text string) (cmd Command, ok bool, err error) {
	text = strings.TrimSpace(text)
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return Command{}, false, nil
	}
	body := strings.TrimSpace(strings.TrimPrefix(text, prefix))
	if body == "" {
		return Command{}, false, nil
	}

	name, rest, _ := strings.Cut(body, " ")
	name = strings.ToLower(name)
	rest = strings.TrimSpace(rest)
	cmd = Command{Name: name, Args: strings.Fields(rest), Rest: rest}

	if _, known := usage[name]; !known {
		return cmd, true, models.NewJobError(models.ErrorKindUnknownCommand, "parse",
			fmt.Sprintf("unknown command %q", name), nil)
	}
	return cmd, true, nil
}

// JobRequest converts a job-producing command into a scheduler request.
// Control commands return ok=false.
func (c Command) JobRequest(event models.ChatEvent) (req models.JobRequest, ok bool, err error) {
	req.Conversation = event.Conversation

	switch c.Name {
	case CmdFetch:
		if len(c.Args) == 0 {
			return req, true, usageError(c.Name)
		}
		req.Kind = models.JobKindBrowserFetch
		req.Payload.Target = c.Args[0]
		req.Payload.Script = strings.TrimSpace(strings.TrimPrefix(c.Rest, c.Args[0]))

	case CmdShot:
		if len(c.Args) == 0 || len(c.Args) > 2 {
			return req, true, usageError(c.Name)
		}
		req.Kind = models.JobKindCapture
		req.Payload.Target = c.Args[0]
		req.Payload.Format = "png"
		if len(c.Args) == 2 {
			req.Payload.Format = strings.ToLower(c.Args[1])
		}

	case CmdConvert:
		if len(c.Args) == 0 || len(c.Args) > 2 {
			return req, true, usageError(c.Name)
		}
		req.Kind = models.JobKindTranscode
		req.Payload.Format = strings.ToLower(c.Args[0])
		switch {
		case len(c.Args) == 2:
			req.Payload.Target = c.Args[1]
		case len(event.Attachments) > 0:
			req.Payload.Target = event.Attachments[0].URL
		default:
			return req, true, models.NewInputError("parse", "attach a file or give a link to convert", nil)
		}

	default:
		return req, false, nil
	}

	// targets come from chat text or attachment URLs and must never name
	// a file on this host
	target, err := media.ValidateRemote(req.Payload.Target)
	if err != nil {
		return req, true, err
	}
	req.Payload.Target = target
	return req, true, nil
}

func usageError(name string) error {
	return models.NewInputError("parse", "usage: "+usage[name], nil)
}

// helpText renders the command list with the configured prefix
func helpText(prefix string) string {
	var b strings.Builder
	b.WriteString("Commands:\n```\n")
	for _, name := range commandOrder {
		b.WriteString(prefix)
		b.WriteString(usage[name])
		b.WriteByte('\n')
	}
	b.WriteString("```")
	return b.String()
}

// pickOptions splits "a, b, c" into trimmed non-empty options
func pickOptions(rest string) []string {
	var out []string
	for _, opt := range strings.Split(rest, ",") {
		if opt = strings.TrimSpace(opt); opt != "" {
			out = append(out, opt)
		}
	}
	return out
}
