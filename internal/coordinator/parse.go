package coordinator

import "strings"

var smartQuoteReplacer = strings.NewReplacer(
	"‘", "'", "’", "'",
	"“", `"`, "”", `"`,
	"–", "--", "—", "--",
)

// cleanInput undoes the smart-quote and em/en-dash autoformatting a phone
// keyboard applies, mirroring bot.py's clean_input. Without this, a quoted
// argument with a curly quote breaks token splitting.
func cleanInput(text string) string {
	return smartQuoteReplacer.Replace(text)
}

const commandPunctuation = ".,!?'\"`"

// cleanCommand lowercases a command word and strips trailing punctuation a
// chat client might append, mirroring bot.py's clean_command.
func cleanCommand(word string) string {
	word = strings.ToLower(word)
	return strings.Trim(word, commandPunctuation)
}

// isCommand reports whether the first whitespace-delimited token of text
// names a known command.
func isCommand(text string, table map[string]struct{}) bool {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false
	}
	_, ok := table[cleanCommand(fields[0])]
	return ok
}

// parseCommand splits raw command text into its command key and argument
// tokens. It tries a shell-style quote-aware split first (so `ignore
// current "1h 30m"`-style quoting works), falling back to a naive
// whitespace split if the quoting is unbalanced -- exactly bot.py's
// shlex.split-with-fallback behavior. No shlex-equivalent ships in the
// example pack this service draws its stack from, so this tokenizer is a
// small hand-rolled stand-in (see DESIGN.md).
func parseCommand(raw string) (key string, args []string) {
	cleaned := cleanInput(raw)
	fields, ok := shellSplit(cleaned)
	if !ok || len(fields) == 0 {
		fields = strings.Fields(cleaned)
	}
	if len(fields) == 0 {
		return "", nil
	}
	return cleanCommand(fields[0]), fields[1:]
}

// shellSplit tokenizes s on whitespace, honoring single and double quotes.
// It returns ok=false on an unbalanced quote so the caller can fall back.
func shellSplit(s string) ([]string, bool) {
	var fields []string
	var cur strings.Builder
	inField := false
	var quote rune

	flush := func() {
		if inField {
			fields = append(fields, cur.String())
			cur.Reset()
			inField = false
		}
	}

	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inField = true
		case r == ' ' || r == '\t' || r == '\n':
			flush()
		default:
			inField = true
			cur.WriteRune(r)
		}
	}
	if quote != 0 {
		return nil, false
	}
	flush()
	return fields, true
}
