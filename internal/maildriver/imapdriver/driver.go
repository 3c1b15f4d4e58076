package imapdriver

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	gomessage "github.com/emersion/go-message"

	"github.com/mbsyncgo/mbsyncgo/internal/maildriver"
)

const maxMessageSize = 64 << 20

// tuidHeader is the header this driver injects into every StoreMsg body so
// FindNewMsgs can locate it again by a SEARCH HEADER query — the IMAP
// equivalent of the copy-rewrite byte manipulation the spec's rewrite step
// performs before handing the body to the driver.
const tuidHeader = "X-TUID"

// Driver implements maildriver.Driver against a single IMAP account. It owns
// one pooled connection at a time; Open borrows one, Close releases it.
type Driver struct {
	pool    *Pool
	account string
	conn    *PooledConnection
	mailbox string
}

// New constructs a Driver backed by the given pool for the named account.
func New(pool *Pool, account string) *Driver {
	return &Driver{pool: pool, account: account}
}

func (d *Driver) Capabilities() maildriver.Capability {
	cap := maildriver.CapCRLF
	if d.conn != nil && d.conn.client.caps.Has(imap.CapUIDPlus) {
		cap |= maildriver.CapUIDPlus
	}
	return cap
}

func (d *Driver) Open(ctx context.Context) error {
	conn, err := d.pool.GetConnection(ctx, d.account)
	if err != nil {
		return err
	}
	d.conn = conn
	return nil
}

func (d *Driver) Close(ctx context.Context) error {
	if d.conn == nil {
		return nil
	}
	var err error
	if d.mailbox != "" {
		if xerr := d.conn.client.conn.Expunge().Close(); xerr != nil {
			err = fmt.Errorf("expunge %s: %w", d.mailbox, xerr)
		}
	}
	d.pool.Release(d.conn)
	d.conn = nil
	return err
}

func (d *Driver) Cancel() {
	if d.conn != nil {
		d.pool.Discard(d.conn)
		d.conn = nil
	}
}

func (d *Driver) List(ctx context.Context) ([]string, error) {
	listCmd := d.conn.client.conn.List("", "*", nil)
	var names []string
	for {
		mb := listCmd.Next()
		if mb == nil {
			break
		}
		names = append(names, mb.Mailbox)
	}
	if err := listCmd.Close(); err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}
	return names, nil
}

func (d *Driver) Select(ctx context.Context, box maildriver.BoxSpec) (int, int, int, error) {
	data, err := withCancel(ctx, func() (*imap.SelectData, error) {
		return d.conn.client.conn.Select(box.Path, nil).Wait()
	})
	if err != nil {
		return 0, 0, 0, fmt.Errorf("select %s: %w", box.Path, err)
	}
	d.mailbox = box.Path
	return int(data.UIDValidity), int(data.UIDNext) - 1, int(data.NumMessages), nil
}

func (d *Driver) Load(ctx context.Context, opts maildriver.SelectOptions) ([]maildriver.Message, error) {
	crit := &imap.SearchCriteria{}
	if opts.SinceUID > 0 {
		uidSet := imap.UIDSet{}
		uidSet.AddRange(imap.UID(opts.SinceUID+1), 0)
		crit.UID = []imap.UIDSet{uidSet}
	}
	searchData, err := withCancel(ctx, func() (*imap.SearchData, error) {
		return d.conn.client.conn.UIDSearch(crit, nil).Wait()
	})
	if err != nil {
		return nil, fmt.Errorf("uid search: %w", err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	uidSet := imap.UIDSet{}
	for _, u := range uids {
		uidSet.AddNum(u)
	}
	// The header section is fetched alongside flags (not just the body) so a
	// message still carrying an unexcised X-TUID header from an interrupted
	// prior run's copy can be paired by TUID this run (§4.3 match_tuids).
	fetchOptions := &imap.FetchOptions{
		Flags: true,
		UID:   true,
		BodySection: []*imap.FetchItemBodySection{
			{Specifier: imap.PartSpecifierHeader, Peek: true},
		},
	}
	fetchCmd := d.conn.client.conn.Fetch(uidSet, fetchOptions)
	defer fetchCmd.Close()

	var msgs []maildriver.Message
	for {
		row := fetchCmd.Next()
		if row == nil {
			break
		}
		m := maildriver.Message{}
		for {
			item := row.Next()
			if item == nil {
				break
			}
			switch v := item.(type) {
			case imapclient.FetchItemDataUID:
				m.UID = int(v.UID)
			case imapclient.FetchItemDataFlags:
				m.Flags = toDriverFlags(v.Flags)
			case imapclient.FetchItemDataBodySection:
				if v.Literal != nil {
					header, err := io.ReadAll(io.LimitReader(v.Literal, maxMessageSize))
					if err != nil {
						return nil, fmt.Errorf("read header UID %d: %w", m.UID, err)
					}
					m.TUID = parseTUIDHeader(header)
				}
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// parseTUIDHeader extracts the X-TUID field from a raw header blob (the
// peeked HEADER body section), the same gomessage.Read entry point the
// teacher uses for message parsing (internal/sync/parse.go) — applied here
// to just the header, with an empty body appended so Read has something
// to stop at.
func parseTUIDHeader(header []byte) string {
	blob := append(append([]byte{}, header...), []byte("\r\n")...)
	entity, err := gomessage.Read(bytes.NewReader(blob))
	if err != nil {
		return ""
	}
	return entity.Header.Get(tuidHeader)
}

func (d *Driver) FetchMsg(ctx context.Context, uid int) (*maildriver.Message, error) {
	uidSet := imap.UIDSet{}
	uidSet.AddNum(imap.UID(uid))
	fetchOptions := &imap.FetchOptions{
		BodySection: []*imap.FetchItemBodySection{{Specifier: imap.PartSpecifierNone, Peek: true}},
		Flags:       true,
	}
	fetchCmd := d.conn.client.conn.Fetch(uidSet, fetchOptions)
	defer fetchCmd.Close()

	row := fetchCmd.Next()
	if row == nil {
		return nil, fmt.Errorf("message not found: UID %d", uid)
	}
	m := &maildriver.Message{UID: uid}
	for {
		item := row.Next()
		if item == nil {
			break
		}
		switch v := item.(type) {
		case imapclient.FetchItemDataFlags:
			m.Flags = toDriverFlags(v.Flags)
		case imapclient.FetchItemDataBodySection:
			if v.Literal != nil {
				body, err := io.ReadAll(io.LimitReader(v.Literal, maxMessageSize))
				if err != nil {
					return nil, fmt.Errorf("read body UID %d: %w", uid, err)
				}
				m.Body = body
				m.Size = int64(len(body))
			}
		}
	}
	if m.Body == nil {
		return nil, fmt.Errorf("message body not found: UID %d", uid)
	}
	return m, nil
}

func (d *Driver) StoreMsg(ctx context.Context, msg *maildriver.Message, tuid string) (int, bool, error) {
	body := msg.Body
	if tuid != "" {
		var buf bytes.Buffer
		fmt.Fprintf(&buf, "%s: %s\r\n", tuidHeader, tuid)
		buf.Write(body)
		body = buf.Bytes()
	}

	options := &imap.AppendOptions{Flags: toIMAPFlags(msg.Flags)}
	appendCmd := d.conn.client.conn.Append(d.mailbox, int64(len(body)), options)
	if _, err := appendCmd.Write(body); err != nil {
		return 0, false, fmt.Errorf("append write: %w", err)
	}
	if err := appendCmd.Close(); err != nil {
		return 0, false, fmt.Errorf("append close: %w", err)
	}
	data, err := appendCmd.Wait()
	if err != nil {
		return 0, false, fmt.Errorf("append: %w", err)
	}
	if data == nil || data.UID == 0 {
		// Server didn't return APPENDUID (no UIDPLUS): caller must locate the
		// message via FindNewMsgs on the next Load.
		return 0, false, nil
	}
	return int(data.UID), true, nil
}

func (d *Driver) FindNewMsgs(ctx context.Context, tuid string) (int, bool, error) {
	crit := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{Key: tuidHeader, Value: tuid}},
	}
	searchData, err := withCancel(ctx, func() (*imap.SearchData, error) {
		return d.conn.client.conn.UIDSearch(crit, nil).Wait()
	})
	if err != nil {
		return 0, false, fmt.Errorf("search tuid %s: %w", tuid, err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return 0, false, nil
	}
	return int(uids[len(uids)-1]), true, nil
}

func (d *Driver) SetFlags(ctx context.Context, uid int, add, remove maildriver.Flags) error {
	uidSet := imap.UIDSet{}
	uidSet.AddNum(imap.UID(uid))
	if add != 0 {
		sf := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Flags: toIMAPFlags(add), Silent: true}
		if err := d.conn.client.conn.Store(uidSet, sf, nil).Close(); err != nil {
			return fmt.Errorf("store add flags UID %d: %w", uid, err)
		}
	}
	if remove != 0 {
		sf := &imap.StoreFlags{Op: imap.StoreFlagsDel, Flags: toIMAPFlags(remove), Silent: true}
		if err := d.conn.client.conn.Store(uidSet, sf, nil).Close(); err != nil {
			return fmt.Errorf("store remove flags UID %d: %w", uid, err)
		}
	}
	return nil
}

func (d *Driver) TrashMsg(ctx context.Context, uid int, trashBox string) error {
	uidSet := imap.UIDSet{}
	uidSet.AddNum(imap.UID(uid))

	if trashBox != "" {
		if err := d.conn.client.conn.Copy(uidSet, trashBox).Close(); err != nil {
			return fmt.Errorf("copy UID %d to trash %s: %w", uid, trashBox, err)
		}
	}

	sf := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Flags: []imap.Flag{imap.FlagDeleted}, Silent: true}
	if err := d.conn.client.conn.Store(uidSet, sf, nil).Close(); err != nil {
		return fmt.Errorf("mark deleted UID %d: %w", uid, err)
	}

	if d.conn.client.caps.Has(imap.CapUIDPlus) {
		if err := d.conn.client.conn.UIDExpunge(uidSet).Close(); err != nil {
			return fmt.Errorf("uid expunge UID %d: %w", uid, err)
		}
	}
	// Without UIDPLUS, the plain EXPUNGE at Close() time sweeps this message
	// along with every other \Deleted message already marked this run.
	return nil
}

func toDriverFlags(flags []imap.Flag) maildriver.Flags {
	var f maildriver.Flags
	for _, fl := range flags {
		switch fl {
		case imap.FlagDraft:
			f |= maildriver.FlagDraft
		case imap.FlagFlagged:
			f |= maildriver.FlagFlagged
		case imap.FlagAnswered:
			f |= maildriver.FlagReplied
		case imap.FlagSeen:
			f |= maildriver.FlagSeen
		case imap.FlagDeleted:
			f |= maildriver.FlagTrashed
		}
	}
	return f
}

func toIMAPFlags(f maildriver.Flags) []imap.Flag {
	var flags []imap.Flag
	if f&maildriver.FlagDraft != 0 {
		flags = append(flags, imap.FlagDraft)
	}
	if f&maildriver.FlagFlagged != 0 {
		flags = append(flags, imap.FlagFlagged)
	}
	if f&maildriver.FlagReplied != 0 {
		flags = append(flags, imap.FlagAnswered)
	}
	if f&maildriver.FlagSeen != 0 {
		flags = append(flags, imap.FlagSeen)
	}
	if f&maildriver.FlagTrashed != 0 {
		flags = append(flags, imap.FlagDeleted)
	}
	return flags
}
