// Package envelope builds and opens the layered encryption envelope the
// transport uses for interactive messaging: an unsigned rumor sealed by the
// true sender, wrapped again under a one-time key so relays learn nothing
// about who is talking.
package envelope

// Top-level event kinds exchanged on the wire.
const (
	KindDirectMessage   = 4     // legacy, superseded by gift wraps
	KindSeal            = 13    // middle layer, never published on its own
	KindGiftWrap        = 1059  // outer layer, the only one relays see
	KindTokenTransfer   = 17371
	KindPaymentRequest  = 17372
	KindPaymentResponse = 17373
	KindBroadcast       = 17374
	KindComposing       = 21373 // ephemeral composing indicator
	KindNametagBinding  = 37375 // parameterized replaceable
)

// Inner rumor kinds, only ever seen after unwrapping.
const (
	KindChatMessage = 14
	KindReadReceipt = 15
	KindTyping      = 20
)

// WalletKinds are the kinds covered by the checkpointed wallet subscription.
// Gift wraps have their own subscription with no since filter, because wraps
// carry randomized timestamps and relays cannot be trusted to replay them.
var WalletKinds = []int{
	KindDirectMessage,
	KindTokenTransfer,
	KindPaymentRequest,
	KindPaymentResponse,
	KindBroadcast,
}
