package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"valyra/client"
	"valyra/escrowview"
	"valyra/handover"
	"valyra/ledger"
	"valyra/records"
)

var escrowActions = map[string]escrowview.Action{
	"confirm": escrowview.ActionConfirmReceipt,
	"extend":  escrowview.ActionRequestExtension,
	"claim":   escrowview.ActionClaimRetainer,
	"dispute": escrowview.ActionRaiseDispute,
	"report":  escrowview.ActionReportIssue,
}

func runEscrowCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, escrowUsage())
		return 1
	}
	switch args[0] {
	case "view":
		return runEscrowView(ctx, args[1:], stdout, stderr)
	case "watch":
		return runEscrowWatch(ctx, args[1:], stdout, stderr)
	case "upload":
		return runEscrowUpload(ctx, args[1:], stdout, stderr)
	case "decrypt":
		return runEscrowDecrypt(ctx, args[1:], stdout, stderr)
	case "recover":
		return runEscrowRecover(ctx, args[1:], stdout, stderr)
	default:
		if action, ok := escrowActions[args[0]]; ok {
			return runEscrowAction(ctx, args[0], action, args[1:], stdout, stderr)
		}
		fmt.Fprintf(stderr, "Unknown escrow subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, escrowUsage())
		return 1
	}
}

func escrowUsage() string {
	return "Usage: valyra-cli escrow <view|watch|upload|decrypt|confirm|extend|dispute|report|claim|recover> [flags]"
}

func validateEscrowID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", fmt.Errorf("--id is required")
	}
	if _, err := uuid.Parse(id); err == nil {
		return id, nil
	}
	if v, ok := new(big.Int).SetString(id, 10); ok && v.Sign() > 0 {
		return id, nil
	}
	return "", fmt.Errorf("--id must be an escrow UUID or a positive on-chain id")
}

func runEscrowView(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow view", stderr)
	id := fs.String("id", "", "escrow UUID or on-chain id")
	viewer := fs.String("viewer", "", "address to resolve actions for")
	if !fs.parse(args, stderr) {
		return 1
	}
	escrowID, err := validateEscrowID(*id)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if *viewer != "" && !common.IsHexAddress(*viewer) {
		return printError(stderr, "--viewer must be a hex address")
	}

	c, err := openClient(ctx, *fs.config, true, stderr)
	if err != nil {
		return reportError(stderr, err)
	}
	defer c.Close()
	view, err := c.Poller(escrowID, *viewer).Refresh(ctx)
	if err != nil {
		return reportError(stderr, err)
	}
	return writeResult(stdout, view)
}

func runEscrowWatch(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow watch", stderr)
	id := fs.String("id", "", "escrow UUID or on-chain id")
	viewer := fs.String("viewer", "", "address to resolve actions for")
	count := fs.Int("count", 0, "stop after this many views (0 runs until interrupted)")
	if !fs.parse(args, stderr) {
		return 1
	}
	escrowID, err := validateEscrowID(*id)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if *viewer != "" && !common.IsHexAddress(*viewer) {
		return printError(stderr, "--viewer must be a hex address")
	}
	if *count < 0 {
		return printError(stderr, "--count must not be negative")
	}

	c, err := openClient(ctx, *fs.config, true, stderr)
	if err != nil {
		return reportError(stderr, err)
	}
	defer c.Close()

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	poller := c.Poller(escrowID, *viewer)
	views, unsubscribe := poller.Subscribe()
	defer unsubscribe()
	go poller.Run(watchCtx)

	enc := json.NewEncoder(stdout)
	seen := 0
	for view := range views {
		if err := enc.Encode(view); err != nil {
			return 1
		}
		seen++
		if *count > 0 && seen >= *count {
			return 0
		}
	}
	return 0
}

// credentialFlags collects a bundle from flags or a JSON file.
type credentialFlags struct {
	file    string
	domain  string
	repoURL string
	token   string
	notes   string
	apiKeys map[string]string
}

func (c *credentialFlags) register(fs commandFlags) {
	fs.StringVar(&c.file, "file", "", "JSON file holding the credential bundle")
	fs.StringVar(&c.domain, "domain", "", "domain registrar credentials")
	fs.StringVar(&c.repoURL, "repo-url", "", "repository URL")
	fs.StringVar(&c.token, "repo-token", "", "repository access token")
	fs.StringVar(&c.notes, "notes", "", "free-form handover notes")
	fs.Func("api-key", "API key as name=value (repeatable)", func(raw string) error {
		name, value, ok := strings.Cut(raw, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return fmt.Errorf("api key must be name=value")
		}
		if c.apiKeys == nil {
			c.apiKeys = map[string]string{}
		}
		c.apiKeys[strings.TrimSpace(name)] = value
		return nil
	})
}

func (c *credentialFlags) bundle() (records.Credentials, error) {
	var creds records.Credentials
	if c.file != "" {
		raw, err := os.ReadFile(c.file)
		if err != nil {
			return creds, fmt.Errorf("read --file: %w", err)
		}
		if err := json.Unmarshal(raw, &creds); err != nil {
			return creds, fmt.Errorf("decode --file: %w", err)
		}
	}
	if c.domain != "" {
		creds.DomainCredentials = c.domain
	}
	if c.repoURL != "" {
		creds.RepoURL = c.repoURL
	}
	if c.token != "" {
		creds.RepoAccessToken = c.token
	}
	if c.notes != "" {
		creds.Notes = c.notes
	}
	for name, value := range c.apiKeys {
		if creds.APIKeys == nil {
			creds.APIKeys = map[string]string{}
		}
		creds.APIKeys[name] = value
	}
	if creds.Empty() {
		return creds, fmt.Errorf("no credentials given")
	}
	return creds, nil
}

func runEscrowUpload(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow upload", stderr)
	id := fs.String("id", "", "escrow UUID or on-chain id")
	var creds credentialFlags
	creds.register(fs)
	if !fs.parse(args, stderr) {
		return 1
	}
	escrowID, err := validateEscrowID(*id)
	if err != nil {
		return printError(stderr, err.Error())
	}
	bundle, err := creds.bundle()
	if err != nil {
		return printError(stderr, err.Error())
	}

	c, err := openClient(ctx, *fs.config, false, stderr)
	if err != nil {
		return reportError(stderr, err)
	}
	defer c.Close()
	poller := c.Poller(escrowID, c.Account().Hex())
	view, err := poller.Refresh(ctx)
	if err != nil {
		return reportError(stderr, err)
	}
	if view.Role != escrowview.RoleSeller {
		return printError(stderr, "only the seller can upload credentials")
	}
	chainID, ok := new(big.Int).SetString(view.OnChainID, 10)
	if !ok {
		return printError(stderr, fmt.Sprintf("escrow %s has no on-chain id", escrowID))
	}
	saga, err := c.Handover(func(ctx context.Context) { _, _ = poller.Refresh(ctx) })
	if err != nil {
		return reportError(stderr, err)
	}
	res, err := saga.Run(ctx, handover.Request{EscrowID: escrowID, ChainEscrowID: chainID, Credentials: bundle})
	if err != nil {
		return reportError(stderr, err)
	}
	out := struct {
		ContentID        string `json:"content_id,omitempty"`
		Hash             string `json:"credential_hash,omitempty"`
		TxHash           string `json:"tx_hash,omitempty"`
		AlreadyDelivered bool   `json:"already_delivered"`
	}{ContentID: res.ContentID, AlreadyDelivered: res.AlreadyDelivered}
	if !res.AlreadyDelivered {
		out.Hash = res.Hash.Hex()
		out.TxHash = res.Receipt.TxHash.Hex()
	}
	return writeResult(stdout, out)
}

func runEscrowDecrypt(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow decrypt", stderr)
	id := fs.String("id", "", "escrow UUID or on-chain id")
	if !fs.parse(args, stderr) {
		return 1
	}
	escrowID, err := validateEscrowID(*id)
	if err != nil {
		return printError(stderr, err.Error())
	}

	c, err := openClient(ctx, *fs.config, false, stderr)
	if err != nil {
		return reportError(stderr, err)
	}
	defer c.Close()
	view, err := c.Poller(escrowID, c.Account().Hex()).Refresh(ctx)
	if err != nil {
		return reportError(stderr, err)
	}
	if !view.Allows(escrowview.ActionDecryptCredentials) {
		return printError(stderr, fmt.Sprintf("credentials are not available to %s at step %s", view.Role, view.StepName))
	}
	decryptor, err := c.Decryptor()
	if err != nil {
		return reportError(stderr, err)
	}
	creds, err := decryptor.Open(ctx, escrowID)
	if err != nil {
		return reportError(stderr, err)
	}
	return writeResult(stdout, creds)
}

func runEscrowAction(ctx context.Context, name string, action escrowview.Action, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow "+name, stderr)
	id := fs.String("id", "", "escrow UUID or on-chain id")
	var params escrowview.Params
	var disputeType string
	if action == escrowview.ActionRaiseDispute {
		fs.StringVar(&disputeType, "type", "delivery", "delivery, quality, fraud or other")
		fs.StringVar(&params.Evidence, "evidence", "", "evidence supporting the dispute")
	}
	if action == escrowview.ActionReportIssue {
		fs.StringVar(&params.Issue, "issue", "", "description of the transition issue")
	}
	if !fs.parse(args, stderr) {
		return 1
	}
	escrowID, err := validateEscrowID(*id)
	if err != nil {
		return printError(stderr, err.Error())
	}
	switch action {
	case escrowview.ActionRaiseDispute:
		if params.DisputeType, err = ledger.ParseDisputeType(disputeType); err != nil {
			return printError(stderr, "--type must be delivery, quality, fraud or other")
		}
		if strings.TrimSpace(params.Evidence) == "" {
			return printError(stderr, "--evidence is required")
		}
	case escrowview.ActionReportIssue:
		if strings.TrimSpace(params.Issue) == "" {
			return printError(stderr, "--issue is required")
		}
	}

	c, err := openClient(ctx, *fs.config, false, stderr)
	if err != nil {
		return reportError(stderr, err)
	}
	defer c.Close()
	return executeAction(ctx, c, escrowID, action, params, stdout, stderr)
}

func executeAction(ctx context.Context, c *client.Client, escrowID string, action escrowview.Action, params escrowview.Params, stdout, stderr io.Writer) int {
	poller := c.Poller(escrowID, c.Account().Hex())
	view, err := poller.Refresh(ctx)
	if err != nil {
		return reportError(stderr, err)
	}
	executor, err := c.Executor(poller)
	if err != nil {
		return reportError(stderr, err)
	}
	res, refreshed, err := executor.Do(ctx, view, action, params)
	if err != nil {
		return reportError(stderr, err)
	}
	out := struct {
		txSummary
		View *escrowview.View `json:"view,omitempty"`
	}{txSummary: summarize(res), View: refreshed}
	return writeResult(stdout, out)
}

func runEscrowRecover(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow recover", stderr)
	if !fs.parse(args, stderr) {
		return 1
	}
	c, err := openClient(ctx, *fs.config, false, stderr)
	if err != nil {
		return reportError(stderr, err)
	}
	defer c.Close()
	saga, err := c.Handover(nil)
	if err != nil {
		return reportError(stderr, err)
	}
	report, err := saga.Recover(ctx)
	failed := make([]string, 0, len(report.Failed))
	for _, f := range report.Failed {
		failed = append(failed, f.Error())
	}
	code := writeResult(stdout, struct {
		Confirmed  int      `json:"confirmed"`
		RolledBack int      `json:"rolled_back"`
		Pending    int      `json:"pending"`
		Leased     int      `json:"leased"`
		Failed     []string `json:"failed"`
	}{report.Confirmed, report.RolledBack, report.Pending, report.Leased, failed})
	if err != nil {
		return reportError(stderr, err)
	}
	return code
}
