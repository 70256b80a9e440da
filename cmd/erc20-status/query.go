package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/urfave/cli/v2"

	"github.com/obliviouslabs/oblivious-erc20-state/internal/client"
	"github.com/obliviouslabs/oblivious-erc20-state/internal/protocol"
)

var (
	urlFlag = &cli.StringFlag{
		Name:  "url",
		Usage: "base URL of a running server",
		Value: "http://localhost:3000",
	}
	quotedFlag = &cli.BoolFlag{
		Name:  "quoted",
		Usage: "use the attested endpoint",
	}
	decimalFlag = &cli.BoolFlag{
		Name:  "decimal",
		Usage: "print slot values as decimal balances",
	}
)

var Query = cli.Command{
	Action:    query,
	Name:      "query",
	Usage:     "queries a running server",
	ArgsUsage: "status | update | storage <key>...",
	Flags:     []cli.Flag{urlFlag, quotedFlag, decimalFlag},
}

func query(ctx *cli.Context) error {
	if ctx.Args().Len() < 1 {
		return fmt.Errorf("missing query kind")
	}
	c := client.New(ctx.String(urlFlag.Name), 30*time.Second)
	quoted := ctx.Bool(quotedFlag.Name)

	var (
		out interface{}
		err error
	)
	switch kind := ctx.Args().First(); kind {
	case "status":
		if quoted {
			out, err = c.QuotedStatus(ctx.Context)
		} else {
			out, err = c.Status(ctx.Context)
		}
	case "update":
		out, err = c.Update(ctx.Context)
	case "storage":
		keys, perr := parseKeys(ctx.Args().Tail())
		if perr != nil {
			return perr
		}
		out, err = queryStorage(ctx, c, keys, quoted)
	default:
		return fmt.Errorf("unknown query kind %q", kind)
	}
	if err != nil {
		return err
	}
	if ctx.Bool(decimalFlag.Name) {
		out = withDecimals(out)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func parseKeys(args []string) ([]common.Hash, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("storage needs at least one key")
	}
	keys := make([]common.Hash, len(args))
	for i, a := range args {
		var k common.Hash
		if err := k.UnmarshalText([]byte(a)); err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}
		keys[i] = k
	}
	return keys, nil
}

func queryStorage(ctx *cli.Context, c *client.Client, keys []common.Hash, quoted bool) (interface{}, error) {
	switch {
	case len(keys) == 1 && quoted:
		return c.QuotedStorageAt(ctx.Context, keys[0])
	case len(keys) == 1:
		return c.StorageAt(ctx.Context, keys[0])
	case quoted:
		return c.QuotedStorageAtMany(ctx.Context, keys)
	default:
		return c.StorageAtMany(ctx.Context, keys)
	}
}

type decimalResult struct {
	Key     common.Hash `json:"key"`
	Value   common.Hash `json:"value"`
	Balance string      `json:"balance"`
}

// withDecimals adds a decimal rendering of every value in a query response.
func withDecimals(out interface{}) interface{} {
	var resp protocol.QueryResponse
	switch r := out.(type) {
	case protocol.QueryResponse:
		resp = r
	case protocol.QuotedResponse[protocol.QueryResponse]:
		resp = r.Response
	default:
		return out
	}
	results := make([]decimalResult, len(resp.Resps))
	for i, res := range resp.Resps {
		results[i] = decimalResult{
			Key:     res.Key,
			Value:   res.Value,
			Balance: new(uint256.Int).SetBytes32(res.Value[:]).Dec(),
		}
	}
	return map[string]interface{}{
		"snapshot": resp.Snapshot,
		"resps":    results,
	}
}
