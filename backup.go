package vordb

import (
	"archive/tar"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/ulikunitz/xz"
	"github.com/zeebo/blake3"

	"github.com/alexhholmes/vordb/internal/journal"
)

const manifestName = "manifest.json"

// Manifest describes a full backup: the data file as of the last flush and
// every journal holding transactions committed after it.
type Manifest struct {
	EnvID        string         `json:"env_id"`
	CreatedAt    time.Time      `json:"created_at"`
	PageSize     int            `json:"page_size"`
	TxnID        uint64         `json:"txn_id"`
	FlushedTxnID uint64         `json:"flushed_txn"`
	Files        []ManifestFile `json:"files"`
}

type ManifestFile struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	BLAKE3 string `json:"blake3"`
}

// ExportFull writes a tar.xz archive of the environment to dst. Commits
// may continue while the export runs; the archive holds every transaction
// committed before its journals were copied. Flushing waits until the
// export is done.
func (e *Env) ExportFull(dst io.Writer) (*Manifest, error) {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if err := e.check(); err != nil {
		return nil, err
	}

	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	xzw, err := xz.NewWriter(dst)
	if err != nil {
		return nil, fmt.Errorf("create xz writer: %w", err)
	}
	tw := tar.NewWriter(xzw)

	m := &Manifest{
		EnvID:        e.id.String(),
		CreatedAt:    e.clock.Now().UTC(),
		PageSize:     e.pager.PageSize(),
		FlushedTxnID: e.flushed.TxnID,
	}

	view := e.pager.AcquireState()
	data, err := view.Page(0, int(e.flushed.NextPage))
	if err == nil {
		err = writeToTar(tw, m, dataFileName, int64(len(data)), bytes.NewReader(data))
	}
	view.Release()
	if err != nil {
		return nil, err
	}

	m.TxnID = e.state.Load().TxnID
	err = e.journal.Snapshot(func(info journal.FileInfo, r io.Reader) error {
		return writeToTar(tw, m, path.Join(journalDirName, info.Name), info.Size, r)
	})
	if err != nil {
		return nil, err
	}

	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := writeToTar(tw, nil, manifestName, int64(len(raw)), bytes.NewReader(raw)); err != nil {
		return nil, err
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	if err := xzw.Close(); err != nil {
		return nil, fmt.Errorf("close xz: %w", err)
	}

	e.logger.Info("backup exported", "txn", m.TxnID, "flushed_txn", m.FlushedTxnID, "files", len(m.Files))
	return m, nil
}

// writeToTar adds one regular file, hashing it into m when m is not nil.
func writeToTar(tw *tar.Writer, m *Manifest, name string, size int64, r io.Reader) error {
	header := &tar.Header{
		Name: name,
		Mode: 0o600,
		Size: size,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}

	h := blake3.New()
	var w io.Writer = tw
	if m != nil {
		w = io.MultiWriter(tw, h)
	}
	if _, err := io.CopyN(w, r, size); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if m != nil {
		m.Files = append(m.Files, ManifestFile{Name: name, Size: size, BLAKE3: hex.EncodeToString(h.Sum(nil))})
	}
	return nil
}

// RestoreFull unpacks an archive written by ExportFull into target, checks
// every file against the manifest and replays the journals so target holds
// a plain data file. target must not exist or be an empty directory.
func RestoreFull(backup io.Reader, target string, options ...Option) (err error) {
	if entries, err := os.ReadDir(target); err == nil && len(entries) > 0 {
		return fmt.Errorf("%w: %s", ErrTargetExists, target)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(filepath.Join(target, journalDirName), 0o755); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(filepath.Join(target, journalDirName))
			_ = os.Remove(filepath.Join(target, dataFileName))
		}
	}()

	m, found, err := unpack(backup, target)
	if err != nil {
		return err
	}
	if err := verify(m, found); err != nil {
		return err
	}

	options = append(options, func(opts *Options) {
		opts.inMemory = false
		opts.manualFlush = true
	})
	env, err := Open(target, options...)
	if err != nil {
		return fmt.Errorf("replay backup: %w", err)
	}
	if env.ID().String() != m.EnvID {
		_ = env.Close()
		return fmt.Errorf("%w: environment id %s, manifest says %s", ErrBackupInvalid, env.ID(), m.EnvID)
	}
	env.logger.Info("backup restored", "path", target, "txn", env.state.Load().TxnID)
	return env.Close()
}

// unpack writes the archive's files under target and returns the manifest
// together with the size and hash of every file actually written.
func unpack(backup io.Reader, target string) (*Manifest, map[string]ManifestFile, error) {
	xzr, err := xz.NewReader(backup)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrBackupInvalid, err)
	}
	tr := tar.NewReader(xzr)

	var m *Manifest
	found := make(map[string]ManifestFile)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrBackupInvalid, err)
		}
		if header.Typeflag != tar.TypeReg {
			return nil, nil, fmt.Errorf("%w: unexpected entry %s", ErrBackupInvalid, header.Name)
		}

		name := path.Clean(header.Name)
		if name == manifestName {
			m = &Manifest{}
			if err := json.NewDecoder(tr).Decode(m); err != nil {
				return nil, nil, fmt.Errorf("%w: manifest: %w", ErrBackupInvalid, err)
			}
			continue
		}
		if !archivable(name) {
			return nil, nil, fmt.Errorf("%w: unexpected file %s", ErrBackupInvalid, header.Name)
		}
		if _, ok := found[name]; ok {
			return nil, nil, fmt.Errorf("%w: duplicate file %s", ErrBackupInvalid, name)
		}

		f, err := os.OpenFile(filepath.Join(target, filepath.FromSlash(name)), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			return nil, nil, err
		}
		h := blake3.New()
		size, err := io.Copy(io.MultiWriter(f, h), tr)
		if err == nil {
			err = f.Sync()
		}
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, nil, fmt.Errorf("restore %s: %w", name, err)
		}
		found[name] = ManifestFile{Name: name, Size: size, BLAKE3: hex.EncodeToString(h.Sum(nil))}
	}

	if m == nil {
		return nil, nil, fmt.Errorf("%w: missing %s", ErrBackupInvalid, manifestName)
	}
	return m, found, nil
}

// archivable reports whether name is a file ExportFull writes: the data
// file or a journal.
func archivable(name string) bool {
	if name == dataFileName {
		return true
	}
	dir, file := path.Split(name)
	if dir != journalDirName+"/" {
		return false
	}
	_, ok := journal.ParseName(file)
	return ok
}

func verify(m *Manifest, found map[string]ManifestFile) error {
	if len(m.Files) != len(found) {
		return fmt.Errorf("%w: manifest lists %d files, archive holds %d", ErrBackupInvalid, len(m.Files), len(found))
	}
	for _, want := range m.Files {
		got, ok := found[want.Name]
		if !ok {
			return fmt.Errorf("%w: missing %s", ErrBackupInvalid, want.Name)
		}
		if got.Size != want.Size || got.BLAKE3 != want.BLAKE3 {
			return fmt.Errorf("%w: %s does not match its manifest entry", ErrBackupInvalid, want.Name)
		}
	}
	if _, ok := found[dataFileName]; !ok {
		return fmt.Errorf("%w: missing %s", ErrBackupInvalid, dataFileName)
	}
	return nil
}
