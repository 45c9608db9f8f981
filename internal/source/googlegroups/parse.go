package googlegroups

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"

	"github.com/nhle/vibez-sync/internal/model"
	"github.com/nhle/vibez-sync/internal/source"
)

const groupsDomain = "googlegroups.com"

var (
	quoteBreakPattern = regexp.MustCompile(`(?i)^On .+wrote:\s*$`)
	htmlTagPattern    = regexp.MustCompile(`<[^>]+>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
	slugUnsafeChars   = regexp.MustCompile(`[^a-z0-9._-]+`)
	blankRunPattern   = regexp.MustCompile(`\n{3,}`)
)

// CanonicalGroupKey reduces a List-Id value, group address, or group
// name to a stable slug: "Made of Meat <made-of-meat.googlegroups.com>"
// and "made-of-meat@googlegroups.com" both become "made-of-meat".
func CanonicalGroupKey(value string) string {
	text := strings.ToLower(strings.TrimSpace(value))
	if text == "" {
		return ""
	}
	if lt, gt := strings.Index(text, "<"), strings.LastIndex(text, ">"); lt >= 0 && gt > lt {
		text = text[lt+1 : gt]
	}
	text = strings.Trim(text, " <>\"'")
	if at := strings.Index(text, "@"); at >= 0 {
		text = text[:at]
	}
	if i := strings.Index(text, "."+groupsDomain); i >= 0 {
		text = text[:i]
	}
	text = slugUnsafeChars.ReplaceAllString(text, "-")
	return strings.Trim(text, "-._")
}

// extractGroupKey derives the group from List-Id or X-Google-Loop, then
// from any @googlegroups.com recipient.
func extractGroupKey(h gomail.Header) string {
	for _, key := range []string{"List-Id", "X-Google-Loop"} {
		if k := CanonicalGroupKey(headerText(h, key)); k != "" {
			return k
		}
	}
	for _, key := range []string{"To", "Cc", "Delivered-To"} {
		for _, addr := range headerAddresses(h, key) {
			a := strings.ToLower(strings.TrimSpace(addr.Address))
			if strings.HasSuffix(a, "@"+groupsDomain) {
				return CanonicalGroupKey(a)
			}
		}
	}
	return ""
}

// headerText returns a header with MIME encoded-words decoded. Values
// that fail to decode are returned raw.
func headerText(h gomail.Header, key string) string {
	v, err := h.Text(key)
	if err != nil {
		return strings.TrimSpace(h.Get(key))
	}
	return strings.TrimSpace(v)
}

// headerAddresses parses an address-list header, falling back to the
// lenient net/mail parser for malformed lists.
func headerAddresses(h gomail.Header, key string) []*gomail.Address {
	addrs, err := h.AddressList(key)
	if err == nil {
		return addrs
	}
	parsed, err := mail.ParseAddressList(headerText(h, key))
	if err != nil {
		return nil
	}
	out := make([]*gomail.Address, 0, len(parsed))
	for _, a := range parsed {
		out = append(out, &gomail.Address{Name: a.Name, Address: a.Address})
	}
	return out
}

// extractTextBody walks the MIME tree. Plain-text parts win; HTML is only
// used when no plain part exists, with tags removed and whitespace
// collapsed. Attachments are ignored.
func extractTextBody(mr *gomail.Reader) string {
	var plain, htmlParts []string

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		h, ok := part.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}

		switch {
		case strings.HasPrefix(contentType, "text/html"):
			htmlParts = append(htmlParts, string(body))
		case contentType == "" || strings.HasPrefix(contentType, "text/plain"):
			if strings.TrimSpace(string(body)) != "" {
				plain = append(plain, string(body))
			}
		}
	}

	if len(plain) > 0 {
		return strings.Join(plain, "\n")
	}
	if len(htmlParts) > 0 {
		return stripHTML(strings.Join(htmlParts, "\n"))
	}
	return ""
}

// stripHTML replaces tags with spaces, decodes entities, and collapses
// whitespace.
func stripHTML(s string) string {
	s = htmlTagPattern.ReplaceAllString(s, " ")
	s = strings.ReplaceAll(html.UnescapeString(s), "\u00a0", " ")
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(s, " "))
}

// stripQuoted cuts a reply at the first attribution line ("On ... wrote:")
// or a forwarded "From: " header after content. Quoted lines are dropped
// wherever they appear, so bottom-posted and interleaved replies keep
// their own text.
func stripQuoted(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var kept []string
	for _, line := range strings.Split(text, "\n") {
		compact := strings.TrimSpace(line)
		if quoteBreakPattern.MatchString(compact) {
			break
		}
		if strings.HasPrefix(compact, ">") {
			continue
		}
		if len(kept) > 0 && strings.HasPrefix(strings.ToLower(compact), "from: ") {
			break
		}
		kept = append(kept, strings.TrimRight(line, " \t"))
	}

	cleaned := strings.TrimSpace(strings.Join(kept, "\n"))
	return blankRunPattern.ReplaceAllString(cleaned, "\n\n")
}

// rawEvent is the audit record stored with each mail-derived message.
type rawEvent struct {
	Source    string `json:"source"`
	UID       uint32 `json:"uid"`
	ListID    string `json:"list_id"`
	GroupKey  string `json:"group_key"`
	MessageID string `json:"message_id"`
	Subject   string `json:"subject"`
	From      string `json:"from"`
	Date      string `json:"date"`
}

// ParseGroupEmail normalizes one RFC 822 message. permits decides
// whether a group key is monitored; nil permits every group. now stamps
// messages without a usable Date header.
func ParseGroupEmail(
	raw []byte,
	uid uint32,
	permits func(groupKey string) bool,
	now func() time.Time,
) source.Result {
	nativeID := fmt.Sprintf("%d", uid)

	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return source.Failed(nativeID, "invalid MIME message", err)
	}
	defer mr.Close()

	groupKey := extractGroupKey(mr.Header)
	if groupKey == "" {
		return source.Skipped(source.SkipUnknownScope)
	}
	if permits != nil && !permits(groupKey) {
		return source.Skipped(source.SkipFilteredOut)
	}

	fromText := headerText(mr.Header, "From")
	senderName, senderAddr := "", ""
	if addrs := headerAddresses(mr.Header, "From"); len(addrs) > 0 {
		senderName = strings.TrimSpace(addrs[0].Name)
		senderAddr = strings.TrimSpace(addrs[0].Address)
	}
	if senderName == "" {
		senderName = strings.SplitN(senderAddr, "@", 2)[0]
	}
	if senderName == "" {
		senderName = "Unknown"
	}
	senderID := strings.ToLower(senderAddr)
	if senderID == "" {
		senderID = strings.ToLower(senderName)
	}

	body := stripQuoted(extractTextBody(mr))
	if body == "" {
		return source.Skipped(source.SkipEmptyBody)
	}

	dateHeader := headerText(mr.Header, "Date")
	ts, err := mr.Header.Date()
	if err != nil || ts.IsZero() {
		if now == nil {
			now = time.Now
		}
		ts = now()
	}

	messageID := strings.TrimSpace(mr.Header.Get("Message-Id"))
	stable := messageID
	if stable == "" {
		stable = fmt.Sprintf("%s:%d:%s:%s", groupKey, uid, dateHeader, senderID)
	}
	sum := sha1.Sum([]byte(stable))
	digest := hex.EncodeToString(sum[:])[:24]

	audit, _ := json.Marshal(rawEvent{
		Source:    "google_groups_imap",
		UID:       uid,
		ListID:    headerText(mr.Header, "List-Id"),
		GroupKey:  groupKey,
		MessageID: messageID,
		Subject:   headerText(mr.Header, "Subject"),
		From:      fromText,
		Date:      dateHeader,
	})

	return source.Ok(model.Message{
		ID:         fmt.Sprintf("googlegroup-%s-%s", groupKey, digest),
		RoomID:     RoomID(groupKey),
		RoomName:   groupKey,
		SenderID:   senderID,
		SenderName: senderName,
		Body:       body,
		Timestamp:  ts.UnixMilli(),
		RawEvent:   string(audit),
	})
}

// RoomID returns the canonical room id for a group key.
func RoomID(groupKey string) string {
	return "googlegroup:" + groupKey
}
