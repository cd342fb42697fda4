package nodes

import (
	"fmt"
	"log"
)

// ConflictError reports a hard fingerprint mismatch between a login claim and
// the stored node record. The mismatched field is named so the audit trail
// can record exactly what drifted.
type ConflictError struct {
	Field   string
	Claimed string
	Stored  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("fingerprint mismatch on %s: %q != %q", e.Field, e.Claimed, e.Stored)
}

// Verify checks a claimed fingerprint against the stored node record.
//
// UUID, machine GUID, and disk ID mismatches fail hard: the node must
// re-register. Machine-name and MAC mismatches are soft — logged but not
// blocking — since renames and NIC changes are routine. MAC comparison uses
// set intersection: the claim passes if any claimed MAC appears in the
// stored list, which accommodates multi-NIC hosts and virtual adapters.
// Empty claim fields are not compared.
func Verify(node *Node, di NodeInfo) error {
	if di.UUID != "" && di.UUID != node.UUID {
		return &ConflictError{Field: "uuid", Claimed: di.UUID, Stored: node.UUID}
	}
	if di.MachineGuid != "" && di.MachineGuid != node.MachineGuid {
		return &ConflictError{Field: "machine_guid", Claimed: di.MachineGuid, Stored: node.MachineGuid}
	}
	if di.DiskID != "" && di.DiskID != node.DiskID {
		return &ConflictError{Field: "disk_id", Claimed: di.DiskID, Stored: node.DiskID}
	}

	if di.MachineName != "" && di.MachineName != node.MachineName {
		log.Printf("⚠️  Node %s machine name changed: %q != %q", node.Code, di.MachineName, node.MachineName)
	}
	if di.Macs != "" && di.Macs != node.Macs && !macsOverlap(di.Macs, node.Macs) {
		log.Printf("⚠️  Node %s MAC addresses changed: %q != %q", node.Code, di.Macs, node.Macs)
	}

	return nil
}

// macsOverlap reports whether any MAC in the claimed list appears in the
// stored list.
func macsOverlap(claimed, stored string) bool {
	storedSet := make(map[string]struct{})
	for _, m := range splitMacs(stored) {
		storedSet[m] = struct{}{}
	}
	for _, m := range splitMacs(claimed) {
		if _, ok := storedSet[m]; ok {
			return true
		}
	}
	return false
}
