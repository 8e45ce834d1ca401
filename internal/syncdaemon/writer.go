package syncdaemon

import (
	"log"
	"time"

	"github.com/shell-sync/shell-sync/internal/aliasfile"
	"github.com/shell-sync/shell-sync/internal/cryptoutil"
	"github.com/shell-sync/shell-sync/internal/model"
)

// rewriteAliasFile decrypts every live, non-tombstoned alias this machine
// holds a key for and atomically rewrites the output shell file. Rows
// under a group whose key is not yet held (mid key-exchange) are skipped,
// not quarantined: they are not corrupt, just not yet readable.
func (d *Daemon) rewriteAliasFile() {
	if d.AliasFilePath == "" {
		return
	}

	rows := d.Store.ListAliases("")
	entries := make([]aliasfile.Entry, 0, len(rows))
	for _, a := range rows {
		if a.Tombstone {
			continue
		}
		plain, ok := d.decryptCommand(a)
		if !ok {
			continue
		}
		entries = append(entries, aliasfile.Entry{Name: a.Name, Command: plain})
	}

	if err := aliasfile.Write(d.AliasFilePath, entries); err != nil {
		log.Printf("syncdaemon: writing %s: %v", d.AliasFilePath, err)
	}
}

// decryptCommand tries every key this machine currently holds for a.Group,
// including retired keys still kept for backward readability after a
// rotation. A row that fails under every key is quarantined: it is either
// corrupt or sealed under a key this machine has not (yet, or ever) seen.
func (d *Daemon) decryptCommand(a model.Alias) (string, bool) {
	keys := d.Keys.AnyGroupKey(a.Group)
	if len(keys) == 0 {
		return "", false
	}
	for _, key := range keys {
		plain, err := cryptoutil.OpenField(key, a.Group, a.CommandCT, a.Nonce)
		if err == nil {
			return string(plain), true
		}
	}
	d.Store.Quarantine(model.QuarantineRow{
		Origin:        model.QuarantineAlias,
		Identity:      a.Group + "|" + a.Name,
		Payload:       a.CommandCT,
		Reason:        "decryption failed under every held group key",
		QuarantinedAt: time.Now().UnixMilli(),
	})
	return "", false
}
