package p11

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

// TokenInfo describes the token in a slot
type TokenInfo struct {
	Label        string `json:"label"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Serial       string `json:"serial"`
	Flags        uint   `json:"flags"`
}

// Initialized returns true if the token is initialized
func (t *TokenInfo) Initialized() bool {
	return t.Flags&pkcs11.CKF_TOKEN_INITIALIZED != 0
}

// Slot describes a slot
type Slot struct {
	ID           uint       `json:"id"`
	Description  string     `json:"description"`
	Manufacturer string     `json:"manufacturer"`
	Flags        uint       `json:"flags"`
	Token        *TokenInfo `json:"token,omitempty"`
}

// String returns one line description of the slot
func (s Slot) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Slot 0x%X: %q", s.ID, s.Description)
	if s.Manufacturer != "" {
		fmt.Fprintf(&b, " by %q", s.Manufacturer)
	}
	if s.Token != nil {
		fmt.Fprintf(&b, ", token: %q", s.Token.Label)
		if s.Token.Serial != "" {
			fmt.Fprintf(&b, ", serial: %s", s.Token.Serial)
		}
		if flags := TokenFlagNames(s.Token.Flags); len(flags) > 0 {
			fmt.Fprintf(&b, " [%s]", strings.Join(flags, ","))
		}
	}
	return b.String()
}

// Slots is a list of slots
type Slots []Slot

// String returns multi-line description of the slots
func (l Slots) String() string {
	if len(l) == 0 {
		return "[]"
	}
	lines := make([]string, len(l))
	for i, s := range l {
		lines[i] = s.String()
	}
	return strings.Join(lines, "\n")
}

// IDs returns the slot IDs
func (l Slots) IDs() []uint {
	ids := make([]uint, len(l))
	for i, s := range l {
		ids[i] = s.ID
	}
	return ids
}

var tokenFlags = []struct {
	flag uint
	name string
}{
	{pkcs11.CKF_TOKEN_INITIALIZED, "initialized"},
	{pkcs11.CKF_USER_PIN_INITIALIZED, "user_pin_initialized"},
	{pkcs11.CKF_LOGIN_REQUIRED, "login_required"},
	{pkcs11.CKF_WRITE_PROTECTED, "write_protected"},
	{pkcs11.CKF_RNG, "rng"},
	{pkcs11.CKF_USER_PIN_LOCKED, "user_pin_locked"},
	{pkcs11.CKF_SO_PIN_LOCKED, "so_pin_locked"},
}

// TokenFlagNames returns the names of the known token flags
func TokenFlagNames(flags uint) []string {
	var names []string
	for _, f := range tokenFlags {
		if flags&f.flag != 0 {
			names = append(names, f.name)
		}
	}
	return names
}

// AllSlots returns all slots, with or without token
func (lib *Lib) AllSlots() (Slots, error) {
	return lib.slots(false, nil)
}

// SlotsWithToken returns slots with a token present
func (lib *Lib) SlotsWithToken() (Slots, error) {
	return lib.slots(true, nil)
}

// SlotsWithInitializedToken returns slots with an initialized token
func (lib *Lib) SlotsWithInitializedToken() (Slots, error) {
	return lib.slots(true, func(s *Slot) bool {
		return s.Token != nil && s.Token.Initialized()
	})
}

// FirstSlotWithToken returns the first slot with a token present
func (lib *Lib) FirstSlotWithToken() (Slot, error) {
	list, err := lib.SlotsWithToken()
	if err != nil {
		return Slot{}, err
	}
	if len(list) == 0 {
		return Slot{}, errors.Errorf("no slots with token found in %s", lib.Name)
	}
	return list[0], nil
}

func (lib *Lib) slots(tokenPresent bool, filter func(*Slot) bool) (Slots, error) {
	ids, err := lib.Ctx.GetSlotList(tokenPresent)
	if err != nil {
		return nil, errors.WithMessagef(err, "GetSlotList")
	}

	logger.KV(xlog.DEBUG, "slots", len(ids), "token_present", tokenPresent)

	list := make(Slots, 0, len(ids))
	for _, id := range ids {
		s, err := lib.slotInfo(id)
		if err != nil {
			return nil, err
		}
		if filter == nil || filter(s) {
			list = append(list, *s)
		}
	}
	return list, nil
}

func (lib *Lib) slotInfo(slotID uint) (*Slot, error) {
	si, err := lib.Ctx.GetSlotInfo(slotID)
	if err != nil {
		return nil, errors.WithMessagef(err, "GetSlotInfo on slot %d", slotID)
	}
	s := &Slot{
		ID:           slotID,
		Description:  strings.TrimSpace(si.SlotDescription),
		Manufacturer: strings.TrimSpace(si.ManufacturerID),
		Flags:        si.Flags,
	}
	if si.Flags&pkcs11.CKF_TOKEN_PRESENT == 0 {
		return s, nil
	}

	ti, err := lib.Ctx.GetTokenInfo(slotID)
	if err != nil {
		return nil, errors.WithMessagef(err, "GetTokenInfo on slot %d", slotID)
	}
	s.Token = &TokenInfo{
		Label:        strings.TrimSpace(ti.Label),
		Manufacturer: strings.TrimSpace(ti.ManufacturerID),
		Model:        strings.TrimSpace(ti.Model),
		Serial:       strings.TrimSpace(ti.SerialNumber),
		Flags:        ti.Flags,
	}
	return s, nil
}
