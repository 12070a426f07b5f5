package main

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"valyra/amount"
	"valyra/ledger"
	"valyra/offers"
	"valyra/records"
	"valyra/txflow"
)

// txSummary is what every write prints on success.
type txSummary struct {
	TxHash   string `json:"tx_hash"`
	Block    uint64 `json:"block"`
	Approval string `json:"approval_tx,omitempty"`
	Redirect string `json:"redirect,omitempty"`
}

func summarize(res txflow.Result) txSummary {
	out := txSummary{
		TxHash:   res.Receipt.TxHash.Hex(),
		Block:    res.Receipt.BlockNumber,
		Redirect: res.Redirect,
	}
	if res.Approval != (common.Hash{}) {
		out.Approval = res.Approval.Hex()
	}
	return out
}

func runOfferCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, offerUsage())
		return 1
	}
	switch args[0] {
	case "list":
		return runOfferList(ctx, args[1:], stdout, stderr, false)
	case "stats":
		return runOfferList(ctx, args[1:], stdout, stderr, true)
	case "submit":
		return runOfferSubmit(ctx, args[1:], stdout, stderr)
	case "accept", "reject", "cancel", "pay", "status":
		return runOfferAction(ctx, args[0], args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown offer subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, offerUsage())
		return 1
	}
}

func offerUsage() string {
	return "Usage: valyra-cli offer <list|stats|submit|accept|reject|cancel|pay|status> [flags]"
}

func parseDirection(raw string) (offers.Direction, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sent", "":
		return offers.Sent, nil
	case "received":
		return offers.Received, nil
	}
	return 0, fmt.Errorf("--direction must be sent or received")
}

func runOfferList(ctx context.Context, args []string, stdout, stderr io.Writer, statsOnly bool) int {
	name := "offer list"
	if statsOnly {
		name = "offer stats"
	}
	fs := newFlagSet(name, stderr)
	direction := fs.String("direction", "sent", "sent or received")
	if !fs.parse(args, stderr) {
		return 1
	}
	dir, err := parseDirection(*direction)
	if err != nil {
		return printError(stderr, err.Error())
	}

	c, err := openClient(ctx, *fs.config, false, stderr)
	if err != nil {
		return reportError(stderr, err)
	}
	defer c.Close()
	engine, err := c.Offers()
	if err != nil {
		return reportError(stderr, err)
	}
	list, err := engine.List(ctx, dir)
	if err != nil {
		return reportError(stderr, err)
	}
	if statsOnly {
		return writeResult(stdout, offers.Summarize(list))
	}
	return writeResult(stdout, list)
}

func runOfferSubmit(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("offer submit", stderr)
	listing := fs.String("listing", "", "listing UUID")
	chainID := fs.String("listing-chain-id", "", "on-chain listing id")
	amountStr := fs.String("amount", "", "offer amount in IDRX (e.g. 100 or 99.5)")
	if !fs.parse(args, stderr) {
		return 1
	}
	if _, err := uuid.Parse(strings.TrimSpace(*listing)); err != nil {
		return printError(stderr, "--listing must be a UUID")
	}
	listingChainID, ok := new(big.Int).SetString(strings.TrimSpace(*chainID), 10)
	if !ok || listingChainID.Sign() <= 0 {
		return printError(stderr, "--listing-chain-id must be a positive integer")
	}
	value, err := amount.Parse(*amountStr)
	if err != nil {
		return printError(stderr, "--amount must be a positive IDRX amount")
	}

	c, err := openClient(ctx, *fs.config, false, stderr)
	if err != nil {
		return reportError(stderr, err)
	}
	defer c.Close()
	engine, err := c.Offers()
	if err != nil {
		return reportError(stderr, err)
	}
	res, err := engine.Submit(ctx, offers.SubmitRequest{
		ListingID:        strings.TrimSpace(*listing),
		ListingOnChainID: listingChainID,
		Amount:           value,
	})
	if err != nil {
		return reportError(stderr, err)
	}
	out := struct {
		txSummary
		OfferID string `json:"offer_id,omitempty"`
		Earnest string `json:"earnest"`
		Status  string `json:"status"`
	}{txSummary: summarize(res.Result), Earnest: amount.Format(res.Earnest), Status: res.Status}
	if res.OfferID != nil {
		out.OfferID = res.OfferID.String()
	}
	return writeResult(stdout, out)
}

func runOfferAction(ctx context.Context, action string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("offer "+action, stderr)
	offerID := fs.String("offer", "", "offer UUID")
	direction := fs.String("direction", "", "sent or received (defaults by action)")
	method := fs.String("method", "ecies_wallet", "encryption method for accept: ecies_wallet or ephemeral_keypair")
	if !fs.parse(args, stderr) {
		return 1
	}
	if _, err := uuid.Parse(strings.TrimSpace(*offerID)); err != nil {
		return printError(stderr, "--offer must be a UUID")
	}
	encryption, err := parseMethod(*method)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if *direction == "" {
		switch action {
		case "accept", "reject":
			*direction = "received"
		default:
			*direction = "sent"
		}
	}
	dir, err := parseDirection(*direction)
	if err != nil {
		return printError(stderr, err.Error())
	}

	c, err := openClient(ctx, *fs.config, false, stderr)
	if err != nil {
		return reportError(stderr, err)
	}
	defer c.Close()
	engine, err := c.Offers()
	if err != nil {
		return reportError(stderr, err)
	}
	offer, err := findOffer(ctx, engine, dir, strings.TrimSpace(*offerID))
	if err != nil {
		return reportError(stderr, err)
	}

	switch action {
	case "status":
		merged, err := engine.Status(ctx, offer)
		if err != nil {
			return reportError(stderr, err)
		}
		return writeResult(stdout, struct {
			Status   string `json:"status"`
			Diverged bool   `json:"diverged"`
		}{merged.Status, merged.Diverged})
	case "pay":
		res, err := engine.CompleteFunding(ctx, offer)
		if err != nil {
			return reportError(stderr, err)
		}
		return writeResult(stdout, summarize(res))
	}

	var outcome offers.Outcome
	switch action {
	case "accept":
		outcome, err = engine.Accept(ctx, offer, encryption)
	case "reject":
		outcome, err = engine.Reject(ctx, offer)
	case "cancel":
		outcome, err = engine.Cancel(ctx, offer)
	}
	if err != nil {
		return reportError(stderr, err)
	}
	out := struct {
		txSummary
		EscrowID string `json:"escrow_id,omitempty"`
		Synced   bool   `json:"synced"`
	}{txSummary: summarize(outcome.Result), Synced: !outcome.Diverged()}
	if outcome.EscrowID != nil {
		out.EscrowID = outcome.EscrowID.String()
	}
	if outcome.Diverged() {
		fmt.Fprintf(stderr, "Warning: on-chain %s confirmed but the record sync failed: %v\n", action, outcome.SyncErr)
	}
	return writeResult(stdout, out)
}

func parseMethod(raw string) (ledger.EncryptionMethod, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "ecies_wallet":
		return ledger.EncryptionECIESWallet, nil
	case "ephemeral_keypair":
		return ledger.EncryptionEphemeralKeypair, nil
	}
	return 0, fmt.Errorf("--method must be ecies_wallet or ephemeral_keypair")
}

func findOffer(ctx context.Context, engine *offers.Engine, dir offers.Direction, id string) (records.Offer, error) {
	list, err := engine.List(ctx, dir)
	if err != nil {
		return records.Offer{}, err
	}
	for _, offer := range list {
		if strings.EqualFold(offer.ID, id) {
			return offer, nil
		}
	}
	return records.Offer{}, fmt.Errorf("offer %s not found in %s offers", id, dir)
}

func runListingCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "buy" {
		if len(args) > 0 {
			fmt.Fprintf(stderr, "Unknown listing subcommand: %s\n", args[0])
		}
		fmt.Fprintln(stderr, "Usage: valyra-cli listing buy --listing <uuid>")
		return 1
	}
	fs := newFlagSet("listing buy", stderr)
	listingID := fs.String("listing", "", "listing UUID")
	if !fs.parse(args[1:], stderr) {
		return 1
	}
	if _, err := uuid.Parse(strings.TrimSpace(*listingID)); err != nil {
		return printError(stderr, "--listing must be a UUID")
	}

	c, err := openClient(ctx, *fs.config, false, stderr)
	if err != nil {
		return reportError(stderr, err)
	}
	defer c.Close()
	listing, err := c.Records.Listing(ctx, strings.TrimSpace(*listingID))
	if err != nil {
		return reportError(stderr, err)
	}
	engine, err := c.Offers()
	if err != nil {
		return reportError(stderr, err)
	}
	res, err := engine.Buy(ctx, *listing)
	if err != nil {
		return reportError(stderr, err)
	}
	out := struct {
		txSummary
		EscrowID string `json:"escrow_id,omitempty"`
	}{txSummary: summarize(res.Result)}
	if res.EscrowID != nil {
		out.EscrowID = res.EscrowID.String()
	}
	return writeResult(stdout, out)
}
