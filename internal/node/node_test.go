package node

import (
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcjson"
)

func TestReverseHex(t *testing.T) {
	// ZMQ delivers hashes in internal byte order; display order is the
	// byte-wise reverse.
	internal := make([]byte, 32)
	internal[0] = 0xab
	internal[31] = 0x01

	got := reverseHex(internal)
	want := "01" + "000000000000000000000000000000000000000000000000000000000000" + "ab"
	if got != want {
		t.Errorf("reverseHex() = %s, want %s", got, want)
	}
	if len(got) != 64 {
		t.Errorf("reverseHex() length = %d, want 64", len(got))
	}
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "block not found",
			err:  btcjson.NewRPCError(btcjson.ErrRPCBlockNotFound, "Block not found"),
			want: true,
		},
		{
			name: "invalid address or key",
			err:  btcjson.NewRPCError(btcjson.ErrRPCInvalidAddressOrKey, "Block hash not found"),
			want: true,
		},
		{
			name: "no tx info",
			err:  btcjson.NewRPCError(btcjson.ErrRPCNoTxInfo, "Invalid or non-wallet transaction id"),
			want: true,
		},
		{
			name: "other rpc error",
			err:  btcjson.NewRPCError(btcjson.ErrRPCInternal.Code, "internal error"),
			want: false,
		},
		{
			name: "plain error",
			err:  fmt.Errorf("connection refused"),
			want: false,
		},
		{
			name: "wrapped rpc error",
			err:  fmt.Errorf("getblock failed: %w", btcjson.NewRPCError(btcjson.ErrRPCBlockNotFound, "Block not found")),
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isNotFound(tt.err); got != tt.want {
				t.Errorf("isNotFound() = %v, want %v", got, tt.want)
			}
		})
	}
}
