// Package localdriver implements maildriver.Driver over a qmail-style
// maildir (cur/new/tmp with a ":2,<flags>" filename suffix), the local side
// of a channel spec.md §6 describes. No example repo in the corpus models
// maildir on disk (pepperpark-gomap's go-mbox operates on the single-file
// mbox format instead, which would misrepresent these semantics), so this
// package is deliberately stdlib-only; see DESIGN.md.
package localdriver

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/mbsyncgo/mbsyncgo/internal/maildriver"
)

// flagLetters is maildir's flag-letter alphabet, the same DFRST letters and
// order the state file uses: maildir requires them sorted.
const flagLetters = "DFRST"

// Driver implements maildriver.Driver against a maildir directory tree.
type Driver struct {
	root string

	mu       sync.Mutex
	uidList  map[string]int // base filename (sans flags) -> UID
	nextUID  int
	box      string
	messages map[int]string // UID -> current filename (relative to cur/)
}

// New constructs a Driver rooted at the given maildir's top-level directory
// (the parent of cur/new/tmp).
func New(root string) *Driver {
	return &Driver{root: root}
}

func (d *Driver) Capabilities() maildriver.Capability { return 0 }

func (d *Driver) Open(ctx context.Context) error {
	for _, sub := range []string{"cur", "new", "tmp"} {
		if err := os.MkdirAll(filepath.Join(d.root, sub), 0o700); err != nil {
			return fmt.Errorf("create maildir %s: %w", sub, err)
		}
	}
	return nil
}

func (d *Driver) Close(ctx context.Context) error {
	d.mu.Lock()
	cur := filepath.Join(d.boxPath(d.box), "cur")
	for uid, filename := range d.messages {
		if flagsFromFilename(filename)&maildriver.FlagTrashed == 0 {
			continue
		}
		if err := os.Remove(filepath.Join(cur, filename)); err != nil && !os.IsNotExist(err) {
			d.mu.Unlock()
			return fmt.Errorf("expunge UID %d: %w", uid, err)
		}
		delete(d.messages, uid)
		delete(d.uidList, baseName(filename))
	}
	d.mu.Unlock()
	return d.saveUIDList()
}

func (d *Driver) Cancel() {}

func (d *Driver) List(ctx context.Context) ([]string, error) {
	var boxes []string
	err := filepath.WalkDir(d.root, func(path string, de os.DirEntry, err error) error {
		if err != nil || !de.IsDir() {
			return err
		}
		if de.Name() == "cur" {
			rel, _ := filepath.Rel(d.root, filepath.Dir(path))
			if rel == "." {
				boxes = append(boxes, "INBOX")
			} else {
				boxes = append(boxes, rel)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list maildirs under %s: %w", d.root, err)
	}
	sort.Strings(boxes)
	return boxes, nil
}

func (d *Driver) boxPath(box string) string {
	if box == "" || box == "INBOX" {
		return d.root
	}
	return filepath.Join(d.root, box)
}

func (d *Driver) Select(ctx context.Context, box maildriver.BoxSpec) (int, int, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.box = box.Path
	path := d.boxPath(box.Path)
	for _, sub := range []string{"cur", "new", "tmp"} {
		if err := os.MkdirAll(filepath.Join(path, sub), 0o700); err != nil {
			return 0, 0, 0, fmt.Errorf("create %s/%s: %w", box.Path, sub, err)
		}
	}
	if err := d.loadUIDListLocked(path); err != nil {
		return 0, 0, 0, err
	}
	if err := d.assignNewMessagesLocked(path); err != nil {
		return 0, 0, 0, err
	}

	maxUID := 0
	for _, uid := range d.uidList {
		if uid > maxUID {
			maxUID = uid
		}
	}
	return 1, maxUID, len(d.messages), nil
}

// uidListPath is fixed per mailbox, not per channel (§6: "maildir assigns
// UIDs itself and persists them in a .uidlist file so re-scans are stable").
func uidListPath(boxPath string) string { return filepath.Join(boxPath, ".uidlist") }

func (d *Driver) loadUIDListLocked(boxPath string) error {
	d.uidList = make(map[string]int)
	d.messages = make(map[int]string)

	f, err := os.Open(uidListPath(boxPath))
	if err != nil {
		if os.IsNotExist(err) {
			d.nextUID = 1
			return nil
		}
		return fmt.Errorf("read uidlist %s: %w", boxPath, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if scanner.Scan() {
		d.nextUID, _ = strconv.Atoi(strings.TrimSpace(scanner.Text()))
	}
	for scanner.Scan() {
		line := scanner.Text()
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			continue
		}
		uid, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		d.uidList[parts[1]] = uid
	}
	return scanner.Err()
}

func (d *Driver) saveUIDList() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.box == "" {
		return nil
	}
	path := uidListPath(d.boxPath(d.box))
	f, err := os.OpenFile(path+".new", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("write uidlist: %w", err)
	}
	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "%d\n", d.nextUID)
	for base, uid := range d.uidList {
		fmt.Fprintf(w, "%d %s\n", uid, base)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(path+".new", path)
}

// assignNewMessagesLocked moves anything sitting in new/ into cur/ with no
// extra flags and assigns it a fresh UID, mirroring maildir delivery
// semantics (a message is "new" only until first noticed).
func (d *Driver) assignNewMessagesLocked(boxPath string) error {
	newDir := filepath.Join(boxPath, "new")
	entries, err := os.ReadDir(newDir)
	if err != nil {
		return fmt.Errorf("read new/: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		src := filepath.Join(newDir, e.Name())
		dstName := e.Name() + ":2,"
		dst := filepath.Join(boxPath, "cur", dstName)
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("move %s to cur/: %w", e.Name(), err)
		}
		d.registerLocked(boxPath, e.Name(), dstName)
	}
	return d.scanCurLocked(boxPath)
}

func (d *Driver) scanCurLocked(boxPath string) error {
	curDir := filepath.Join(boxPath, "cur")
	entries, err := os.ReadDir(curDir)
	if err != nil {
		return fmt.Errorf("read cur/: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		base := baseName(e.Name())
		if _, known := d.uidList[base]; known {
			d.messages[d.uidList[base]] = e.Name()
			continue
		}
		d.registerLocked(boxPath, base, e.Name())
	}
	return nil
}

func (d *Driver) registerLocked(boxPath, base, filename string) {
	uid := d.nextUID
	d.nextUID++
	d.uidList[base] = uid
	d.messages[uid] = filename
}

// tuidFromFilename extracts the TUID embedded by uniqueBase, letting a
// message delivered but not yet matched by its record survive a restart.
func tuidFromFilename(filename string) string {
	base := baseName(filename)
	const marker = ".tuid_"
	i := strings.Index(base, marker)
	if i < 0 {
		return ""
	}
	rest := base[i+len(marker):]
	if j := strings.IndexByte(rest, '.'); j >= 0 {
		return rest[:j]
	}
	return rest
}

// baseName strips maildir's ":2,<flags>" info suffix.
func baseName(filename string) string {
	if i := strings.LastIndex(filename, ":2,"); i >= 0 {
		return filename[:i]
	}
	return filename
}

func (d *Driver) Load(ctx context.Context, opts maildriver.SelectOptions) ([]maildriver.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var msgs []maildriver.Message
	for uid, filename := range d.messages {
		if uid <= opts.SinceUID {
			continue
		}
		m := maildriver.Message{UID: uid, Flags: flagsFromFilename(filename), TUID: tuidFromFilename(filename)}
		if opts.WantBody {
			body, err := os.ReadFile(filepath.Join(d.boxPath(d.box), "cur", filename))
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", filename, err)
			}
			m.Body = body
			m.Size = int64(len(body))
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (d *Driver) FetchMsg(ctx context.Context, uid int) (*maildriver.Message, error) {
	d.mu.Lock()
	filename, ok := d.messages[uid]
	box := d.boxPath(d.box)
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("message not found: UID %d", uid)
	}
	body, err := os.ReadFile(filepath.Join(box, "cur", filename))
	if err != nil {
		return nil, fmt.Errorf("read UID %d: %w", uid, err)
	}
	return &maildriver.Message{UID: uid, Flags: flagsFromFilename(filename), Body: body, Size: int64(len(body))}, nil
}

// StoreMsg always knows the UID synchronously: maildir delivery is a
// tmp-write, fsync, then atomic link/rename into cur/, so there is no
// TUID-scan round trip on this side of a channel. The tuid parameter still
// gets recorded in the uidlist's base name, matching the spec's "a driver
// that can't confirm synchronously uses TUID; one that can just skips it."
func (d *Driver) StoreMsg(ctx context.Context, msg *maildriver.Message, tuid string) (int, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	box := d.boxPath(d.box)
	base := uniqueBase(tuid)
	tmpPath := filepath.Join(box, "tmp", base)

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, false, fmt.Errorf("create tmp message: %w", err)
	}
	if _, err := f.Write(msg.Body); err != nil {
		f.Close()
		return 0, false, fmt.Errorf("write tmp message: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return 0, false, fmt.Errorf("sync tmp message: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, false, fmt.Errorf("close tmp message: %w", err)
	}

	filename := base + ":2," + flagsToSuffix(msg.Flags)
	curPath := filepath.Join(box, "cur", filename)
	if err := os.Rename(tmpPath, curPath); err != nil {
		return 0, false, fmt.Errorf("deliver message: %w", err)
	}

	d.registerLocked(box, base, filename)
	return d.uidList[base], true, nil
}

func (d *Driver) FindNewMsgs(ctx context.Context, tuid string) (int, bool, error) {
	// Never invoked by the engine for this driver since StoreMsg always
	// returns known=true, but implemented for interface completeness.
	d.mu.Lock()
	defer d.mu.Unlock()
	for base, uid := range d.uidList {
		if strings.Contains(base, tuid) {
			return uid, true, nil
		}
	}
	return 0, false, nil
}

func (d *Driver) SetFlags(ctx context.Context, uid int, add, remove maildriver.Flags) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	filename, ok := d.messages[uid]
	if !ok {
		return fmt.Errorf("message not found: UID %d", uid)
	}
	current := flagsFromFilename(filename)
	next := (current &^ remove) | add
	base := baseName(filename)
	newName := base + ":2," + flagsToSuffix(next)
	if newName == filename {
		return nil
	}
	box := d.boxPath(d.box)
	if err := os.Rename(filepath.Join(box, "cur", filename), filepath.Join(box, "cur", newName)); err != nil {
		return fmt.Errorf("set flags UID %d: %w", uid, err)
	}
	d.messages[uid] = newName
	return nil
}

func (d *Driver) TrashMsg(ctx context.Context, uid int, trashBox string) error {
	d.mu.Lock()
	filename, ok := d.messages[uid]
	box := d.boxPath(d.box)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("message not found: UID %d", uid)
	}

	if trashBox != "" {
		body, err := os.ReadFile(filepath.Join(box, "cur", filename))
		if err != nil {
			return fmt.Errorf("read UID %d for trash copy: %w", uid, err)
		}
		trash := New(filepath.Join(d.root, trashBox))
		if err := trash.Open(ctx); err != nil {
			return fmt.Errorf("open trash box %s: %w", trashBox, err)
		}
		if _, _, _, err := trash.Select(ctx, maildriver.BoxSpec{Path: ""}); err != nil {
			return fmt.Errorf("select trash box %s: %w", trashBox, err)
		}
		if _, _, err := trash.StoreMsg(ctx, &maildriver.Message{Body: body, Flags: flagsFromFilename(filename)}, ""); err != nil {
			return fmt.Errorf("copy UID %d to trash: %w", uid, err)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := os.Remove(filepath.Join(box, "cur", filename)); err != nil {
		return fmt.Errorf("remove UID %d: %w", uid, err)
	}
	delete(d.messages, uid)
	delete(d.uidList, baseName(filename))
	return nil
}

func flagsFromFilename(filename string) maildriver.Flags {
	i := strings.LastIndex(filename, ":2,")
	if i < 0 {
		return 0
	}
	var f maildriver.Flags
	for _, c := range filename[i+3:] {
		switch c {
		case 'D':
			f |= maildriver.FlagDraft
		case 'F':
			f |= maildriver.FlagFlagged
		case 'R':
			f |= maildriver.FlagReplied
		case 'S':
			f |= maildriver.FlagSeen
		case 'T':
			f |= maildriver.FlagTrashed
		}
	}
	return f
}

func flagsToSuffix(f maildriver.Flags) string {
	var b strings.Builder
	letterFor := map[byte]maildriver.Flags{
		'D': maildriver.FlagDraft,
		'F': maildriver.FlagFlagged,
		'R': maildriver.FlagReplied,
		'S': maildriver.FlagSeen,
		'T': maildriver.FlagTrashed,
	}
	for i := 0; i < len(flagLetters); i++ {
		l := flagLetters[i]
		if f&letterFor[l] != 0 {
			b.WriteByte(l)
		}
	}
	return b.String()
}

var uniqueCounter struct {
	sync.Mutex
	n int
}

// uniqueBase produces a maildir-unique base filename. When a tuid is
// supplied it's embedded directly so FindNewMsgs (and, more importantly, a
// human inspecting the mailbox) can correlate it; otherwise a counter-based
// name is used.
func uniqueBase(tuid string) string {
	uniqueCounter.Lock()
	uniqueCounter.n++
	n := uniqueCounter.n
	uniqueCounter.Unlock()
	pid := os.Getpid()
	if tuid != "" {
		return fmt.Sprintf("%d.tuid_%s.%d", n, tuid, pid)
	}
	return fmt.Sprintf("%d.M%d.%d", n, pid, n)
}
