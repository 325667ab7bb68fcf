package p4

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mschirtzinger/p4sync/internal/changelist"
)

// record is one tagged object from p4 -ztag -Mj output.
type record map[string]any

// String returns the field as a string ("" if absent).
func (r record) String(key string) string {
	switch v := r[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Int returns the field as an int.
func (r record) Int(key string) (int, error) {
	s := r.String(key)
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: field %s=%q is not an integer", changelist.ErrProtocol, key, s)
	}
	return n, nil
}

// indexed returns the values of key0, key1, ... until the first gap.
func (r record) indexed(key string) []string {
	var values []string
	for i := 0; ; i++ {
		v, ok := r[key+strconv.Itoa(i)]
		if !ok {
			return values
		}
		s, _ := v.(string)
		values = append(values, s)
	}
}

// message is a server error/warning/info message embedded in tagged output.
type message struct {
	Severity int
	Text     string
}

// isMessage reports whether a decoded object is a server message rather than
// a data record.
func isMessage(r record) bool {
	if code := r.String("code"); code == "error" || code == "warning" || code == "info" {
		return true
	}
	_, hasSeverity := r["severity"]
	_, hasGeneric := r["generic"]
	return hasSeverity && hasGeneric
}

// parseRecords decodes p4 -Mj output into data records and server messages.
func parseRecords(output []byte) ([]record, []message, error) {
	var records []record
	var messages []message

	scanner := bufio.NewScanner(bytes.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", changelist.ErrProtocol, err)
		}

		if isMessage(rec) {
			severity := 0
			if s, ok := rec["severity"].(float64); ok {
				severity = int(s)
			}
			if rec.String("code") == "error" && severity == 0 {
				severity = 3
			}
			messages = append(messages, message{Severity: severity, Text: strings.TrimSpace(rec.String("data"))})
			continue
		}

		records = append(records, rec)
	}

	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", changelist.ErrProtocol, err)
	}

	return records, messages, nil
}

// messagesError returns the classified error for the most severe message
// at warning level or above, or nil.
func messagesError(messages []message) error {
	var worst *message
	for i := range messages {
		m := &messages[i]
		if m.Severity < 2 {
			continue
		}
		if worst == nil || m.Severity > worst.Severity {
			worst = m
		}
	}
	if worst == nil {
		return nil
	}

	// A batch may mix missing ids with one real failure
	for _, m := range messages {
		if m.Severity >= 2 {
			if err := classifyText(m.Text); !changelist.IsNotFound(err) {
				return err
			}
		}
	}
	return classifyText(worst.Text)
}

var (
	connectionMarkers = []string{
		"connect to server failed",
		"tcp connect to",
		"tcp receive failed",
		"tcp send failed",
		"partner exited unexpectedly",
		"ssl connect to",
	}
	authMarkers = []string{
		"password (p4passwd) invalid or unset",
		"your session has expired",
		"password invalid",
		"user has not been authenticated",
		"login failed",
	}
	notFoundMarkers = []string{
		"no such file",
		"no such changelist",
		"no file(s) at that changelist",
		"file(s) not in client view",
		"not on client",
		"no such counter",
		"file(s) not on client",
		"- file(s) up-to-date",
	}
)

// classifyText maps server message text onto the changelist error taxonomy.
func classifyText(text string) error {
	lower := strings.ToLower(text)

	for _, m := range connectionMarkers {
		if strings.Contains(lower, m) {
			return fmt.Errorf("%w: %s", changelist.ErrConnection, text)
		}
	}
	for _, m := range authMarkers {
		if strings.Contains(lower, m) {
			return fmt.Errorf("%w: %s", changelist.ErrAuth, text)
		}
	}
	for _, m := range notFoundMarkers {
		if strings.Contains(lower, m) {
			return fmt.Errorf("%w: %s", changelist.ErrNotFound, text)
		}
	}
	return fmt.Errorf("p4 error: %s", text)
}

// classify combines an exec error with any output text.
func classify(err error, output string) error {
	text := strings.TrimSpace(output)
	if text == "" {
		text = err.Error()
	} else {
		text = text + ": " + err.Error()
	}
	return classifyText(text)
}

// parseChange converts a describe record into a Change.
//
// Example record (abridged):
//
//	{"change":"37","user":"alan","client":"ad_racer","time":"1382901628",
//	 "desc":"two files\n","status":"submitted",
//	 "depotFile0":"//depot/a.ma","rev0":"3","action0":"edit", ...}
func parseChange(rec record) (changelist.Change, error) {
	id, err := rec.Int("change")
	if err != nil {
		return changelist.Change{}, err
	}

	change := changelist.Change{
		ID:          id,
		Status:      changelist.Status(rec.String("status")),
		User:        rec.String("user"),
		Workspace:   rec.String("client"),
		Description: rec.String("desc"),
	}

	if ts := rec.String("time"); ts != "" {
		secs, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return changelist.Change{}, fmt.Errorf("%w: change %d has bad time %q", changelist.ErrProtocol, id, ts)
		}
		change.Time = time.Unix(secs, 0).UTC()
	}

	paths := rec.indexed("depotFile")
	revs := rec.indexed("rev")
	actions := rec.indexed("action")
	for i, path := range paths {
		fr := changelist.FileRev{Path: path}
		if i < len(revs) {
			rev, err := strconv.Atoi(revs[i])
			if err != nil {
				return changelist.Change{}, fmt.Errorf("%w: change %d has bad revision %q for %s", changelist.ErrProtocol, id, revs[i], path)
			}
			fr.Revision = rev
		}
		if i < len(actions) {
			fr.Action = changelist.Action(actions[i])
		}
		change.Files = append(change.Files, fr)
	}

	return change, nil
}

// parseFileStat converts an fstat record into a FileStat.
func parseFileStat(rec record) (changelist.FileStat, error) {
	stat := changelist.FileStat{
		Path:   rec.String("depotFile"),
		Action: changelist.Action(rec.String("headAction")),
		Type:   rec.String("headType"),
	}
	if stat.Path == "" {
		return stat, fmt.Errorf("%w: fstat record without depotFile", changelist.ErrProtocol)
	}

	rev, err := rec.Int("headRev")
	if err != nil {
		return stat, err
	}
	stat.Revision = rev

	if hc := rec.String("headChange"); hc != "" {
		change, err := strconv.Atoi(hc)
		if err != nil {
			return stat, fmt.Errorf("%w: bad headChange %q", changelist.ErrProtocol, hc)
		}
		stat.Change = change
	}

	return stat, nil
}

// sortChanges orders changes ascending by id.
func sortChanges(changes []changelist.Change) {
	sort.Slice(changes, func(i, j int) bool { return changes[i].ID < changes[j].ID })
}
