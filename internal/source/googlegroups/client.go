package googlegroups

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/vibez-sync/internal/source"
)

// RawMail is one fetched RFC 822 message and its mailbox UID. Err is set
// instead of Data when the server listed the UID but its body could not
// be read.
type RawMail struct {
	UID  uint32
	Data []byte
	Err  error
}

// Mailbox is the read-only view of an IMAP mailbox the adapter needs.
type Mailbox interface {
	// Name returns the mailbox name, e.g. "INBOX".
	Name() string

	// MaxUID returns the highest UID currently in the mailbox, or 0 when
	// the mailbox is empty.
	MaxUID(ctx context.Context) (uint32, error)

	// FetchAfter returns up to limit messages with UIDs strictly greater
	// than after, in ascending UID order. A message whose body cannot be
	// read is returned with Err set.
	FetchAfter(ctx context.Context, after uint32, limit int) ([]RawMail, error)

	// Ping verifies the credentials by logging in and out.
	Ping(ctx context.Context) error
}

// IMAPClient wraps go-imap v2 for read-only polling of one mailbox.
// Each call opens its own connection.
type IMAPClient struct {
	host      string
	port      string
	username  string
	password  string
	tls       bool
	mailbox   string
	sourceKey string
}

// NewIMAPClient creates a new IMAP client configuration.
func NewIMAPClient(
	host, port, username, password, mailbox string,
	tls bool,
	sourceKey string,
) *IMAPClient {
	if mailbox == "" {
		mailbox = "INBOX"
	}
	return &IMAPClient{
		host:      host,
		port:      port,
		username:  username,
		password:  password,
		tls:       tls,
		mailbox:   mailbox,
		sourceKey: sourceKey,
	}
}

// Name returns the polled mailbox name.
func (c *IMAPClient) Name() string {
	return c.mailbox
}

// connect establishes a connection to the IMAP server, authenticates,
// and returns the connected client. The connection is closed if ctx is
// cancelled. The caller must call the returned release func.
func (c *IMAPClient) connect(
	ctx context.Context,
) (*imapclient.Client, func(), error) {
	addr := c.host + ":" + c.port

	var client *imapclient.Client
	var err error

	if c.tls {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	release := func() {
		stop()
		_ = client.Logout().Wait()
	}

	if err := client.Login(c.username, c.password).Wait(); err != nil {
		release()
		return nil, nil, &source.AuthError{
			Source: c.sourceKey,
			Message: fmt.Sprintf(
				"authentication failed for %s: %v",
				c.username, err,
			),
		}
	}

	return client, release, nil
}

// Ping logs in and out.
func (c *IMAPClient) Ping(ctx context.Context) error {
	_, release, err := c.connect(ctx)
	if err != nil {
		return err
	}
	release()
	return nil
}

// MaxUID selects the mailbox read-only and derives the highest UID from
// UIDNEXT, falling back to a full UID search when the server omits it.
func (c *IMAPClient) MaxUID(ctx context.Context) (uint32, error) {
	client, release, err := c.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	sel, err := client.Select(c.mailbox, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return 0, fmt.Errorf("selecting %s: %w", c.mailbox, err)
	}
	if sel.NumMessages == 0 {
		return 0, nil
	}
	if sel.UIDNext > 1 {
		return uint32(sel.UIDNext) - 1, nil
	}

	data, err := client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return 0, fmt.Errorf("searching %s: %w", c.mailbox, err)
	}
	var highest uint32
	for _, uid := range data.AllUIDs() {
		if uint32(uid) > highest {
			highest = uint32(uid)
		}
	}
	return highest, nil
}

// FetchAfter searches "after+1:*" and fetches full bodies. Servers
// answer that range with the last message even when it is not newer, so
// results are filtered to UIDs strictly greater than after.
func (c *IMAPClient) FetchAfter(
	ctx context.Context, after uint32, limit int,
) ([]RawMail, error) {
	client, release, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if _, err := client.Select(c.mailbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return nil, fmt.Errorf("selecting %s: %w", c.mailbox, err)
	}

	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{{imap.UIDRange{Start: imap.UID(after + 1), Stop: 0}}},
	}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", c.mailbox, err)
	}

	var uids []imap.UID
	for _, uid := range searchData.AllUIDs() {
		if uint32(uid) > after {
			uids = append(uids, uid)
		}
	}
	if len(uids) == 0 {
		return nil, nil
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}

	bodySection := &imap.FetchItemBodySection{
		Peek: true,
	}
	fetchOpts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), fetchOpts)
	defer fetchCmd.Close()

	bodies := make(map[uint32][]byte, len(uids))
	failures := make(map[uint32]error)
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if buf == nil {
			continue
		}
		uid := uint32(buf.UID)
		if err != nil {
			failures[uid] = err
			continue
		}
		raw := buf.FindBodySection(bodySection)
		if raw == nil {
			failures[uid] = errMissingBody
			continue
		}
		bodies[uid] = raw
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetching messages from %s: %w", c.mailbox, err)
	}

	return assembleMails(uids, bodies, failures), nil
}

var (
	errMissingBody = errors.New("server returned no body section")
	errNotReturned = errors.New("server did not return the message")
)

// assembleMails returns one RawMail per requested UID in ascending order.
// UIDs the server failed to deliver carry an error so they surface as
// failures instead of being passed over silently.
func assembleMails(
	requested []imap.UID,
	bodies map[uint32][]byte,
	failures map[uint32]error,
) []RawMail {
	mails := make([]RawMail, 0, len(requested))
	for _, u := range requested {
		uid := uint32(u)
		if data, ok := bodies[uid]; ok {
			mails = append(mails, RawMail{UID: uid, Data: data})
			continue
		}
		err := failures[uid]
		if err == nil {
			err = errNotReturned
		}
		mails = append(mails, RawMail{UID: uid, Err: err})
	}
	sort.Slice(mails, func(i, j int) bool { return mails[i].UID < mails[j].UID })
	return mails
}
