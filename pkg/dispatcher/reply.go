package dispatcher

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/psantana5/mediabot/pkg/models"
	"github.com/psantana5/mediabot/pkg/transport"
)

// Fixed user-facing texts. Internal diagnostics never reach the chat.
const (
	msgBusy         = "I'm busy right now, please try again in a little while."
	msgRateLimited  = "You're sending commands too quickly, please slow down."
	msgUnexpected   = "Something went wrong on my side. Please try again later."
	msgUnknownFmt   = "I don't know the command `%s`. Type `%shelp` for the list."
	msgNoOptions    = "Give me a few options separated by commas."
	msgNotFound     = "I don't know a job with that id."
	msgAlreadyDone  = "That job has already finished."
	msgCancelling   = "Cancelling job `%s`."
	msgAccepted     = "Working on it (job `%s`)."
	msgUnavailable  = "I'm shutting down and can't take new work."
	truncatedSuffix = "…"
)

// failureText maps an error kind to what the user is told
func failureText(kind models.ErrorKind) string {
	switch kind {
	case models.ErrorKindTimeout:
		return "That took too long and was stopped."
	case models.ErrorKindNavigation:
		return "I couldn't load that page."
	case models.ErrorKindScript:
		return "The script failed on that page."
	case models.ErrorKindLaunch:
		return "The browser isn't available right now, please try again later."
	case models.ErrorKindEncode:
		return "I couldn't convert that file."
	case models.ErrorKindInput:
		return "I can't use that input. Check the link and the format."
	case models.ErrorKindQueueFull:
		return msgBusy
	case models.ErrorKindCancelled:
		return "The job was cancelled."
	}
	return msgUnexpected
}

// inputText is shown for parse-time input errors. Their messages are
// written for users (usage lines), unlike executor errors.
func inputText(err error) string {
	var je *models.JobError
	if errors.As(err, &je) && je.Op == "parse" && je.Message != "" {
		return je.Message
	}
	return failureText(models.KindOf(err))
}

// completionMessage formats a terminal job snapshot into a reply
func completionMessage(job models.Job) transport.Message {
	ref := shortID(job.ID)

	switch job.Status {
	case models.JobStatusCancelled:
		return transport.Message{Text: fmt.Sprintf("Job `%s` was cancelled.", ref)}
	case models.JobStatusFailed:
		return transport.Message{Text: fmt.Sprintf("Job `%s` failed: %s", ref, failureText(job.ErrorKind))}
	}

	var msg transport.Message
	res := job.Result
	if res == nil {
		msg.Text = fmt.Sprintf("Job `%s` finished.", ref)
		return msg
	}

	if a := res.Media; a != nil {
		msg.Text = fmt.Sprintf("Here is your %s (%s).", a.Format, humanBytes(a.SizeBytes))
		msg.Attachments = []transport.Attachment{{
			Name:        "mediabot-" + ref + filepath.Ext(a.Path),
			ContentType: a.ContentType,
			Path:        a.Path,
		}}
		return msg
	}

	if b := res.Browser; b != nil {
		switch {
		case b.ScriptOutput != "":
			msg.Text = "```\n" + b.ScriptOutput + "\n```"
		default:
			msg.Text = fmt.Sprintf("Fetched %s (%s of %s).", b.Target, humanBytes(int64(len(b.Content))), b.ContentType)
		}
		if b.FromCache {
			msg.Text += " (cached today)"
		}
	}
	return msg
}

func statusText(job models.Job) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Job `%s` (%s): %s", job.ID, job.Kind, job.Status)
	if job.RetryCount > 0 {
		fmt.Fprintf(&b, ", %d retries", job.RetryCount)
	}
	if job.Status == models.JobStatusFailed {
		b.WriteString(", ")
		b.WriteString(failureText(job.ErrorKind))
	}
	return b.String()
}

// truncate limits s to max runes, keeping code fences balanced
func truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	fenced := strings.HasSuffix(s, "```")
	limit := max - utf8.RuneCountInString(truncatedSuffix)
	if fenced {
		limit -= 4
	}
	if limit < 0 {
		limit = 0
	}
	r := []rune(s)
	out := string(r[:limit]) + truncatedSuffix
	if fenced && strings.Count(out, "```")%2 == 1 {
		out += "\n```"
	}
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
