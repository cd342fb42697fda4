package nodes

import (
	"crypto/md5"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"

	"stardust/internal/config"
)

// ErrRegisterDisabled is returned when a node would need auto-registration
// but the server policy forbids it.
var ErrRegisterDisabled = errors.New("auto-registration disabled")

// AutoRegister creates or rebinds a node record for the given claim.
//
// When node is nil the store is searched for any record matching the claim's
// UUID, machine GUID, or MAC set; the earliest-created match (lowest id) is
// reused so a re-registering host keeps its identity. Otherwise a fresh
// record is created. In every case the node code is re-derived from the
// configured formula (random fallback) and a fresh random secret is issued —
// this is the only path on which a node learns or relearns its credentials.
func AutoRegister(db *sql.DB, node *Node, di NodeInfo, host string, cfg config.Config) (*Node, error) {
	if !cfg.AutoRegister {
		return nil, ErrRegisterDisabled
	}

	if node == nil {
		list, err := Search(db, di.UUID, di.MachineGuid, di.Macs)
		if err != nil {
			return nil, err
		}
		if len(list) > 0 {
			node = &list[0]
		}
	}

	isNew := node == nil
	if isNew {
		node = &Node{CreateIP: host}
	}

	// A formula string is validated at startup; a parse failure here means
	// the environment changed to a bad value since then.
	formula, err := ParseFormula(cfg.NodeCodeFormula)
	if err != nil {
		return nil, fmt.Errorf("node code formula: %w", err)
	}

	node.Enabled = cfg.AutoRegister
	if node.Name == "" {
		node.Name = di.MachineName
	}
	if node.Name == "" {
		node.Name = di.UserName
	}

	// Hash-derived codes keep a node on the same identity when it roams
	// between gateways; random only when the claim has no usable fields.
	node.Code = formula.Apply(di)
	if node.Code == "" {
		node.Code = RandString(8)
	}
	node.Secret = RandString(16)

	node.UUID = di.UUID
	node.MachineGuid = di.MachineGuid
	node.DiskID = di.DiskID
	node.Macs = di.Macs
	node.MachineName = di.MachineName
	node.UserName = di.UserName
	node.ApplyLogin(di, host)

	if isNew {
		err = Insert(db, node)
	} else {
		err = Update(db, node)
	}
	if err != nil {
		return nil, err
	}

	log.Printf("✅ Node registered: %s (id=%d, code=%s, new=%v)", node.Name, node.ID, node.Code, isNew)
	return node, nil
}

// SecretMatches reports whether a presented secret authenticates against the
// stored one. Agents may present either the raw secret or its MD5 hex digest.
func SecretMatches(node *Node, presented string) bool {
	if node.Secret == "" || presented == "" {
		return false
	}
	if presented == node.Secret {
		return true
	}
	sum := md5.Sum([]byte(node.Secret))
	return presented == hex.EncodeToString(sum[:])
}

const randChars = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// RandString produces an n-character random string from a crypto source.
func RandString(n int) string {
	buf := make([]byte, n)
	rand.Read(buf)
	for i, b := range buf {
		buf[i] = randChars[int(b)%len(randChars)]
	}
	return string(buf)
}
