// Package acl evaluates stream access control lists.
//
// A stream's effective policy is the system-wide default for its class
// (user stream, system stream, metastream) with per-stream overrides applied
// on top. Authorization is role-set intersection: a caller is admitted when at
// least one of its roles appears in the policy's list for the operation.
package acl

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/getpup/pupstore/es"
)

// Well-known roles.
const (
	// AllRole admits every caller.
	AllRole = "$all"
	// AdminsRole is the administrator group.
	AdminsRole = "$admins"
)

// Operation is the kind of access being checked.
type Operation int

const (
	// OpRead reads events.
	OpRead Operation = iota + 1
	// OpWrite appends events.
	OpWrite
	// OpDelete deletes the stream.
	OpDelete
	// OpMetaRead reads stream metadata.
	OpMetaRead
	// OpMetaWrite writes stream metadata.
	OpMetaWrite
)

// Operations lists every operation in storage order.
var Operations = []Operation{OpRead, OpWrite, OpDelete, OpMetaRead, OpMetaWrite}

// String returns the operation name.
func (o Operation) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpDelete:
		return "delete"
	case OpMetaRead:
		return "metaRead"
	case OpMetaWrite:
		return "metaWrite"
	default:
		return fmt.Sprintf("Operation(%d)", int(o))
	}
}

// Roles is a role list. In JSON it accepts either a single string or an array.
type Roles []string

// UnmarshalJSON implements json.Unmarshaler.
func (r *Roles) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var single string
		if err := json.Unmarshal(data, &single); err != nil {
			return err
		}
		*r = Roles{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("role list must be a string or an array of strings: %w", err)
	}
	*r = many
	return nil
}

// StreamACL holds the permitted roles for each operation.
// A nil list means "not specified" and falls through to the default on Merge.
type StreamACL struct {
	Read      Roles `json:"$r,omitempty"`
	Write     Roles `json:"$w,omitempty"`
	Delete    Roles `json:"$d,omitempty"`
	MetaRead  Roles `json:"$mr,omitempty"`
	MetaWrite Roles `json:"$mw,omitempty"`
}

// Uniform returns an ACL that grants every operation to the same roles.
func Uniform(roles ...string) StreamACL {
	return StreamACL{
		Read:      append(Roles(nil), roles...),
		Write:     append(Roles(nil), roles...),
		Delete:    append(Roles(nil), roles...),
		MetaRead:  append(Roles(nil), roles...),
		MetaWrite: append(Roles(nil), roles...),
	}
}

// Roles returns the role list for an operation.
func (a StreamACL) Roles(op Operation) []string {
	switch op {
	case OpRead:
		return a.Read
	case OpWrite:
		return a.Write
	case OpDelete:
		return a.Delete
	case OpMetaRead:
		return a.MetaRead
	case OpMetaWrite:
		return a.MetaWrite
	default:
		return nil
	}
}

// With returns a copy of the ACL with the role list for op replaced.
func (a StreamACL) With(op Operation, roles []string) StreamACL {
	r := append(Roles(nil), roles...)
	switch op {
	case OpRead:
		a.Read = r
	case OpWrite:
		a.Write = r
	case OpDelete:
		a.Delete = r
	case OpMetaRead:
		a.MetaRead = r
	case OpMetaWrite:
		a.MetaWrite = r
	}
	return a
}

// Merge overlays the specified lists of override onto a.
func (a StreamACL) Merge(override StreamACL) StreamACL {
	for _, op := range Operations {
		if roles := override.Roles(op); roles != nil {
			a = a.With(op, roles)
		}
	}
	return a
}

// IsEmpty reports whether no operation has a role list.
func (a StreamACL) IsEmpty() bool {
	for _, op := range Operations {
		if a.Roles(op) != nil {
			return false
		}
	}
	return true
}

// SystemSettings holds the default ACLs for user and system streams.
// It is stored as the latest event of the $settings stream.
type SystemSettings struct {
	UserStreamACL   *StreamACL `json:"$userStreamAcl,omitempty"`
	SystemStreamACL *StreamACL `json:"$systemStreamAcl,omitempty"`
}

// DefaultSystemSettings returns the built-in policy used when $settings is empty:
// user streams are open to every caller, system streams to administrators only.
func DefaultSystemSettings() SystemSettings {
	user := Uniform(AllRole)
	system := Uniform(AdminsRole)
	return SystemSettings{
		UserStreamACL:   &user,
		SystemStreamACL: &system,
	}
}

// userACL returns the user stream ACL, falling back to the built-in default.
func (s SystemSettings) userACL() StreamACL {
	if s.UserStreamACL != nil {
		return Uniform(AllRole).Merge(*s.UserStreamACL)
	}
	return Uniform(AllRole)
}

// systemACL returns the system stream ACL, falling back to the built-in default.
func (s SystemSettings) systemACL() StreamACL {
	if s.SystemStreamACL != nil {
		return Uniform(AdminsRole).Merge(*s.SystemStreamACL)
	}
	return Uniform(AdminsRole)
}

// DecodeSystemSettings parses the JSON body of a $settings event.
func DecodeSystemSettings(data []byte) (SystemSettings, error) {
	var s SystemSettings
	if err := json.Unmarshal(data, &s); err != nil {
		return SystemSettings{}, fmt.Errorf("failed to decode system settings: %w", err)
	}
	return s, nil
}

// DefaultsFor returns the default ACL applicable to a stream's class.
func DefaultsFor(stream string, settings SystemSettings) StreamACL {
	if es.IsSystemStream(stream) {
		return settings.systemACL()
	}
	return settings.userACL()
}

// PolicyFor returns the default role list for an operation on a stream.
// Reads and writes of a metastream are governed by the metaRead and metaWrite
// lists of the system stream ACL.
func PolicyFor(stream string, op Operation, settings SystemSettings) []string {
	defaults := DefaultsFor(stream, settings)
	if es.IsMetastream(stream) {
		switch op {
		case OpRead:
			return defaults.MetaRead
		case OpWrite:
			return defaults.MetaWrite
		}
	}
	return defaults.Roles(op)
}

// Authorize reports whether any caller role is permitted.
// AllRole in the permitted list admits everyone; an empty intersection fails closed.
func Authorize(callerRoles, permitted []string) bool {
	for _, p := range permitted {
		if p == AllRole {
			return true
		}
		for _, r := range callerRoles {
			if r == p {
				return true
			}
		}
	}
	return false
}

// metadataEnvelope is the part of stream metadata the store interprets.
type metadataEnvelope struct {
	ACL *StreamACL `json:"$acl"`
}

// FromMetadata extracts the "$acl" overrides from stream metadata.
// The boolean is false when the metadata carries no ACL.
func FromMetadata(metadata []byte) (StreamACL, bool, error) {
	if len(bytes.TrimSpace(metadata)) == 0 {
		return StreamACL{}, false, nil
	}
	var env metadataEnvelope
	if err := json.Unmarshal(metadata, &env); err != nil {
		return StreamACL{}, false, fmt.Errorf("failed to decode stream metadata: %w", err)
	}
	if env.ACL == nil {
		return StreamACL{}, false, nil
	}
	return *env.ACL, true, nil
}
