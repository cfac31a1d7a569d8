package chain

import "testing"

func TestParseNetwork(t *testing.T) {
	cases := []struct {
		in      string
		want    Network
		wantErr bool
	}{
		{"mainnet", Mainnet, false},
		{"livenet", Mainnet, false},
		{"testnet", Testnet, false},
		{"testnet3", Testnet, false},
		{"regtest", Regtest, false},
		{"signet", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := ParseNetwork(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseNetwork(%q) succeeded, want error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseNetwork(%q) error = %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseNetwork(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestParamsKnownNetworks(t *testing.T) {
	for _, n := range []Network{Mainnet, Testnet, Regtest} {
		params, err := Params(n)
		if err != nil || params == nil {
			t.Errorf("Params(%s) = %v, %v", n, params, err)
		}
	}
	if _, err := Params(Network("bogus")); err == nil {
		t.Error("Params(bogus) succeeded")
	}
}

func TestValidateAddress(t *testing.T) {
	// Genesis coinbase address.
	if !ValidateAddress("1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", Mainnet) {
		t.Error("known mainnet address rejected")
	}
	if ValidateAddress("1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", Testnet) {
		t.Error("mainnet address accepted on testnet")
	}
	if ValidateAddress("garbage", Mainnet) {
		t.Error("garbage accepted")
	}
	if ValidateAddress("", Testnet) {
		t.Error("empty address accepted")
	}
}
