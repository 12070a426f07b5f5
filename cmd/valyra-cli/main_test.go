package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"valyra/client"
	"valyra/config"
	"valyra/escrowview"
)

const (
	testEscrowUUID = "0f8d7b1c-3b8e-4a9a-8f43-6c5d2e1a9b70"
	testSeller     = "0x00000000000000000000000000000000005e1101"
	testBuyer      = "0x00000000000000000000000000000000000b0b01"
)

func forbidClient(t *testing.T) {
	t.Helper()
	original := openClient
	openClient = func(context.Context, string, bool, io.Writer) (*client.Client, error) {
		t.Fatalf("unexpected client open")
		return nil, nil
	}
	t.Cleanup(func() { openClient = original })
}

func runCLI(args ...string) (int, string, string) {
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	code := run(context.Background(), args, stdout, stderr)
	return code, stdout.String(), stderr.String()
}

func TestUsageAndUnknownCommands(t *testing.T) {
	forbidClient(t)

	code, stdout, stderr := runCLI()
	if code != 1 || stdout != "" || !strings.HasPrefix(stderr, "Usage: valyra-cli") {
		t.Fatalf("unexpected usage output: %d %q %q", code, stdout, stderr)
	}

	code, _, stderr = runCLI("bogus")
	if code != 1 || !strings.HasPrefix(stderr, "Unknown command: bogus\n") {
		t.Fatalf("unexpected unknown command output: %d %q", code, stderr)
	}

	code, _, stderr = runCLI("escrow", "teleport")
	if code != 1 || !strings.HasPrefix(stderr, "Unknown escrow subcommand: teleport\n") {
		t.Fatalf("unexpected unknown subcommand output: %d %q", code, stderr)
	}

	code, stdout, _ = runCLI("help")
	if code != 0 || !strings.Contains(stdout, "escrow   view|watch") {
		t.Fatalf("unexpected help output: %d %q", code, stdout)
	}
}

func TestArgValidationNeverOpensClient(t *testing.T) {
	forbidClient(t)

	cases := []struct {
		name string
		args []string
		want string
	}{
		{"submit_bad_listing", []string{"offer", "submit", "--listing", "abc", "--listing-chain-id", "1", "--amount", "100"}, "Error: --listing must be a UUID\n"},
		{"submit_bad_chain_id", []string{"offer", "submit", "--listing", testEscrowUUID, "--listing-chain-id", "0", "--amount", "100"}, "Error: --listing-chain-id must be a positive integer\n"},
		{"submit_bad_amount", []string{"offer", "submit", "--listing", testEscrowUUID, "--listing-chain-id", "3", "--amount", "-5"}, "Error: --amount must be a positive IDRX amount\n"},
		{"list_bad_direction", []string{"offer", "list", "--direction", "sideways"}, "Error: --direction must be sent or received\n"},
		{"accept_bad_method", []string{"offer", "accept", "--offer", testEscrowUUID, "--method", "rot13"}, "Error: --method must be ecies_wallet or ephemeral_keypair\n"},
		{"accept_missing_offer", []string{"offer", "accept"}, "Error: --offer must be a UUID\n"},
		{"buy_bad_listing", []string{"listing", "buy", "--listing", "7"}, "Error: --listing must be a UUID\n"},
		{"view_missing_id", []string{"escrow", "view"}, "Error: --id is required\n"},
		{"view_bad_id", []string{"escrow", "view", "--id", "0x1234"}, "Error: --id must be an escrow UUID or a positive on-chain id\n"},
		{"view_bad_viewer", []string{"escrow", "view", "--id", "7", "--viewer", "bob"}, "Error: --viewer must be a hex address\n"},
		{"upload_empty", []string{"escrow", "upload", "--id", "7"}, "Error: no credentials given\n"},
		{"upload_bad_api_key", []string{"escrow", "upload", "--id", "7", "--api-key", "novalue"}, ""},
		{"dispute_no_evidence", []string{"escrow", "dispute", "--id", "7"}, "Error: --evidence is required\n"},
		{"dispute_bad_type", []string{"escrow", "dispute", "--id", "7", "--type", "vibes", "--evidence", "x"}, "Error: --type must be delivery, quality, fraud or other\n"},
		{"report_no_issue", []string{"escrow", "report", "--id", "7"}, "Error: --issue is required\n"},
		{"positional", []string{"escrow", "confirm", "--id", "7", "extra"}, "Error: unexpected positional arguments\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, stdout, stderr := runCLI(tc.args...)
			if code != 1 {
				t.Fatalf("unexpected exit code %d", code)
			}
			if stdout != "" {
				t.Fatalf("expected empty stdout, got %q", stdout)
			}
			if tc.want != "" && stderr != tc.want {
				t.Fatalf("stderr mismatch:\n got %q\nwant %q", stderr, tc.want)
			}
		})
	}
}

func TestEscrowViewResolvesOffChainRecord(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/escrow/"+testEscrowUUID {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"` + testEscrowUUID + `","on_chain_id":null,"escrow_state":"funded",` +
			`"buyer_address":"` + testBuyer + `","seller_address":"` + testSeller + `","amount":"100","platform_fee":"2.5"}`))
	}))
	defer api.Close()

	original := openClient
	openClient = func(ctx context.Context, _ string, readOnly bool, _ io.Writer) (*client.Client, error) {
		if !readOnly {
			t.Fatalf("escrow view should not need a wallet")
		}
		cfg := &config.Config{
			API: config.APIConfig{BaseURL: api.URL + "/api/v1", Timeout: config.Duration{Duration: time.Second}},
			Chain: config.ChainConfig{
				RPCURL:         api.URL,
				ChainID:        config.BaseSepoliaChainID,
				EscrowContract: "0x1111111111111111111111111111111111111111",
				TokenContract:  "0x2222222222222222222222222222222222222222",
			},
			Poll: config.PollConfig{Interval: config.Duration{Duration: time.Second}},
		}
		return client.Open(ctx, cfg, nil, client.ReadOnly())
	}
	defer func() { openClient = original }()

	code, stdout, stderr := runCLI("escrow", "view", "--id", testEscrowUUID, "--viewer", testSeller)
	if code != 0 {
		t.Fatalf("unexpected exit code %d: %s", code, stderr)
	}
	var view escrowview.View
	if err := json.Unmarshal([]byte(stdout), &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Step != escrowview.StepHandover || view.Role != escrowview.RoleSeller {
		t.Fatalf("unexpected view: %+v", view)
	}
	if !view.Allows(escrowview.ActionUploadCredentials) {
		t.Fatalf("seller should be offered the upload, got %v", view.Actions)
	}
}

func TestCredentialFlagsMergeFileAndFlags(t *testing.T) {
	var creds credentialFlags
	fs := newFlagSet("escrow upload", io.Discard)
	creds.register(fs)
	if err := fs.Parse([]string{"--repo-url", "https://git.example/app", "--api-key", "stripe=sk_test", "--api-key", "smtp=pw"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	bundle, err := creds.bundle()
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	if bundle.RepoURL != "https://git.example/app" || len(bundle.APIKeys) != 2 || bundle.APIKeys["smtp"] != "pw" {
		t.Fatalf("unexpected bundle: %+v", bundle)
	}
}
