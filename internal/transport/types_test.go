package transport

import "testing"

func TestMessageRefCodec(t *testing.T) {
	t.Parallel()
	ref := MessageRef{ChannelID: "123", MessageID: "456"}
	if got := DecodeRef(ref.Encode()); got != ref {
		t.Fatalf("round trip: %+v", got)
	}
	if !DecodeRef("garbage").IsZero() {
		t.Fatal("malformed input should decode to zero ref")
	}
	if (MessageRef{}).Encode() != "" {
		t.Fatal("zero ref should encode empty")
	}
}
