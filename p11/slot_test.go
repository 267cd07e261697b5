package p11_test

import (
	"testing"

	"github.com/effective-security/p11demo/p11"
	"github.com/effective-security/p11demo/p11/p11mock"
	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockSlots sets up three slots:
// 0 with initialized token, 1 with empty token, 2 without token
func mockSlots(m *p11mock.Module) {
	m.On("GetSlotList", false).Return([]uint{0, 1, 2}, nil)
	m.On("GetSlotList", true).Return([]uint{0, 1}, nil)

	m.On("GetSlotInfo", uint(0)).Return(pkcs11.SlotInfo{
		SlotDescription: "SoftHSM slot ID 0x0   ",
		ManufacturerID:  "SoftHSM project   ",
		Flags:           pkcs11.CKF_TOKEN_PRESENT,
	}, nil)
	m.On("GetSlotInfo", uint(1)).Return(pkcs11.SlotInfo{
		SlotDescription: "SoftHSM slot ID 0x1",
		ManufacturerID:  "SoftHSM project",
		Flags:           pkcs11.CKF_TOKEN_PRESENT,
	}, nil)
	m.On("GetSlotInfo", uint(2)).Return(pkcs11.SlotInfo{
		SlotDescription: "Reader",
	}, nil)

	m.On("GetTokenInfo", uint(0)).Return(pkcs11.TokenInfo{
		Label:          "Test Token     ",
		ManufacturerID: "SoftHSM project",
		Model:          "SoftHSM v2",
		SerialNumber:   "b7c0a5b1d3f4c8e2",
		Flags:          pkcs11.CKF_TOKEN_INITIALIZED | pkcs11.CKF_USER_PIN_INITIALIZED | pkcs11.CKF_LOGIN_REQUIRED,
	}, nil)
	m.On("GetTokenInfo", uint(1)).Return(pkcs11.TokenInfo{
		ManufacturerID: "SoftHSM project",
		Model:          "SoftHSM v2",
		Flags:          pkcs11.CKF_RNG,
	}, nil)
}

func TestSlots(t *testing.T) {
	lib, m := newLib(t)
	mockSlots(m)

	all, err := lib.AllSlots()
	require.NoError(t, err)
	assert.Equal(t, []uint{0, 1, 2}, all.IDs())
	assert.Nil(t, all[2].Token)
	assert.Equal(t, "SoftHSM slot ID 0x0", all[0].Description)
	assert.Equal(t, "SoftHSM project", all[0].Manufacturer)

	withToken, err := lib.SlotsWithToken()
	require.NoError(t, err)
	assert.Equal(t, []uint{0, 1}, withToken.IDs())
	require.NotNil(t, withToken[0].Token)
	assert.Equal(t, "Test Token", withToken[0].Token.Label)
	assert.True(t, withToken[0].Token.Initialized())
	assert.False(t, withToken[1].Token.Initialized())

	initialized, err := lib.SlotsWithInitializedToken()
	require.NoError(t, err)
	assert.Equal(t, []uint{0}, initialized.IDs())

	first, err := lib.FirstSlotWithToken()
	require.NoError(t, err)
	assert.Equal(t, uint(0), first.ID)
}

func TestSlots_Errors(t *testing.T) {
	lib, m := newLib(t)
	m.On("GetSlotList", true).Return([]uint{}, nil).Once()

	_, err := lib.FirstSlotWithToken()
	require.Error(t, err)
	assert.Equal(t, "no slots with token found in mocked.so", err.Error())

	m.On("GetSlotList", true).Return(nil, pkcs11.Error(pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED)).Once()
	_, err = lib.SlotsWithToken()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GetSlotList: ")

	m.On("GetSlotList", false).Return([]uint{7}, nil).Once()
	m.On("GetSlotInfo", uint(7)).Return(pkcs11.SlotInfo{}, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)).Once()
	_, err = lib.AllSlots()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GetSlotInfo on slot 7: ")

	m.On("GetSlotList", true).Return([]uint{8}, nil).Once()
	m.On("GetSlotInfo", uint(8)).Return(pkcs11.SlotInfo{Flags: pkcs11.CKF_TOKEN_PRESENT}, nil).Once()
	m.On("GetTokenInfo", uint(8)).Return(pkcs11.TokenInfo{}, pkcs11.Error(pkcs11.CKR_TOKEN_NOT_RECOGNIZED)).Once()
	_, err = lib.SlotsWithInitializedToken()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GetTokenInfo on slot 8: ")

	m.AssertExpectations(t)
}

func TestSlotString(t *testing.T) {
	s := p11.Slot{
		ID:           0x1a,
		Description:  "SoftHSM slot ID 0x1a",
		Manufacturer: "SoftHSM project",
		Token: &p11.TokenInfo{
			Label:  "Test Token",
			Serial: "abc123",
			Flags:  pkcs11.CKF_TOKEN_INITIALIZED | pkcs11.CKF_RNG,
		},
	}
	assert.Equal(t, `Slot 0x1A: "SoftHSM slot ID 0x1a" by "SoftHSM project", token: "Test Token", serial: abc123 [initialized,rng]`, s.String())

	empty := p11.Slot{ID: 2, Description: "Reader"}
	assert.Equal(t, `Slot 0x2: "Reader"`, empty.String())

	assert.Equal(t, "[]", p11.Slots{}.String())
	assert.Equal(t, s.String()+"\n"+empty.String(), p11.Slots{s, empty}.String())
}

func TestTokenFlagNames(t *testing.T) {
	assert.Empty(t, p11.TokenFlagNames(0))
	assert.Equal(t, []string{"user_pin_initialized", "login_required", "so_pin_locked"},
		p11.TokenFlagNames(pkcs11.CKF_USER_PIN_INITIALIZED|pkcs11.CKF_LOGIN_REQUIRED|pkcs11.CKF_SO_PIN_LOCKED))
}
