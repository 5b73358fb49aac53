package coordinator

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dropbox/securitybot/internal/model"
	"github.com/dropbox/securitybot/internal/store"
)

// dispatch runs the named handler, matching the return convention of
// commands.py: true means send the configured success message (if any),
// false means send the configured failure message (if any).
func (c *Coordinator) dispatch(ctx context.Context, handler string, user model.ChatUser, args []string) (bool, error) {
	switch handler {
	case "hi":
		return c.cmdHi(user), nil
	case "help":
		return c.cmdHelp(user, args), nil
	case "add_to_blacklist":
		return c.cmdAddToBlacklist(ctx, user)
	case "remove_from_blacklist":
		return c.cmdRemoveFromBlacklist(ctx, user)
	case "positive_response":
		return c.cmdPositiveResponse(user, args), nil
	case "negative_response":
		return c.cmdNegativeResponse(user, args), nil
	case "ignore":
		return c.cmdIgnore(ctx, user, args)
	case "test":
		return c.cmdTest(ctx, user)
	default:
		c.logger.Warn("coordinator: no function provided for command handler", "handler", handler)
		return false, nil
	}
}

func (c *Coordinator) cmdHi(user model.ChatUser) bool {
	c.chat.SendToUser(user, fmt.Sprintf(c.msg("hi"), user.DisplayName()))
	return true
}

func (c *Coordinator) cmdHelp(user model.ChatUser, args []string) bool {
	showHidden := false
	for _, a := range args {
		if a == "-a" {
			showHidden = true
		}
	}

	var b strings.Builder
	b.WriteString(c.msg("help_header"))
	b.WriteString("\n\n")
	for _, name := range c.sortedCommandNames() {
		spec, ok := c.commandSpec(name)
		if !ok || (spec.Hidden && !showHidden) {
			continue
		}
		fmt.Fprintf(&b, "`%s`: %s\n", name, spec.Info)
		if len(spec.Usage) > 0 {
			b.WriteString("> " + c.msg("help_usage") + ":\n")
			for _, line := range spec.Usage {
				b.WriteString("> \t" + line + "\n")
			}
		}
	}
	b.WriteString(c.msg("help_footer"))
	c.chat.SendToUser(user, b.String())
	return true
}

func (c *Coordinator) cmdAddToBlacklist(ctx context.Context, user model.ChatUser) (bool, error) {
	if c.blacklist.Contains(user.Name) {
		return false, nil
	}
	if err := c.blacklist.Add(ctx, user.Name); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Coordinator) cmdRemoveFromBlacklist(ctx context.Context, user model.ChatUser) (bool, error) {
	if !c.blacklist.Contains(user.Name) {
		return false, nil
	}
	if err := c.blacklist.Remove(ctx, user.Name); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Coordinator) cmdPositiveResponse(user model.ChatUser, args []string) bool {
	sess, ok := c.lookupSession(user)
	if !ok {
		return false
	}
	sess.PositiveResponse(strings.Join(args, " "))
	return true
}

func (c *Coordinator) cmdNegativeResponse(user model.ChatUser, args []string) bool {
	sess, ok := c.lookupSession(user)
	if !ok {
		return false
	}
	sess.NegativeResponse(strings.Join(args, " "))
	return true
}

// ignoreTimeRegex matches an optional hour count followed by an optional
// minute count, e.g. "1h30m", "45m", "2h" -- mirroring commands.py's
// TIME_REGEX.
var ignoreTimeRegex = regexp.MustCompile(`(?i)^([0-9]+h)?([0-9]+m)?$`)

// ignoreTimeLimit caps how long a single `ignore` command may suppress an
// alert for (commands.py's TIME_LIMIT).
const ignoreTimeLimit = 4 * time.Hour

func (c *Coordinator) cmdIgnore(ctx context.Context, user model.ChatUser, args []string) (bool, error) {
	if len(args) != 2 {
		return false, nil
	}
	which, durationText := args[0], args[1]

	sess, ok := c.lookupSession(user)
	if !ok {
		return false, nil
	}
	var task model.Task
	switch which {
	case "last":
		t, hasLast := sess.LastOldTask()
		if !hasLast {
			return false, nil
		}
		task = t
	case "current":
		pending := sess.PendingTask()
		if pending == nil {
			return false, nil
		}
		task = *pending
	default:
		return false, nil
	}

	duration, ok := parseIgnoreDuration(durationText)
	if !ok {
		return false, nil
	}
	if duration > ignoreTimeLimit {
		c.chat.SendToUser(user, c.msg("ignore_time"))
		duration = ignoreTimeLimit
	} else if duration <= 0 {
		c.chat.SendToUser(user, c.msg("ignore_no_time"))
		return false, nil
	}

	if err := c.supp.Ignore(ctx, user.Name, task.Title, "ignored", duration); err != nil {
		return false, err
	}
	return true, nil
}

func parseIgnoreDuration(text string) (time.Duration, bool) {
	match := ignoreTimeRegex.FindStringSubmatch(text)
	if match == nil || (match[1] == "" && match[2] == "") {
		return 0, false
	}
	var hours, minutes int
	if match[1] != "" {
		hours, _ = strconv.Atoi(strings.TrimSuffix(strings.ToLower(match[1]), "h"))
	}
	if match[2] != "" {
		minutes, _ = strconv.Atoi(strings.TrimSuffix(strings.ToLower(match[2]), "m"))
	}
	return time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute, true
}

func (c *Coordinator) cmdTest(ctx context.Context, user model.ChatUser) (bool, error) {
	_, err := c.tasks.Create(ctx, store.CreateOptions{
		Title:       "testing_alert",
		Username:    user.Name,
		Description: "Testing alert",
		Reason:      "Testing Securitybot",
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
