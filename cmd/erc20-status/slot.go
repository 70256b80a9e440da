package main

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/urfave/cli/v2"

	"github.com/obliviouslabs/oblivious-erc20-state/internal/verifier"
)

var mappingFlag = &cli.Uint64Flag{
	Name:  "mapping",
	Usage: "storage index of the balances mapping",
}

var Slot = cli.Command{
	Action:    slot,
	Name:      "slot",
	Usage:     "prints the balance storage slot of a holder",
	ArgsUsage: "<holder address>",
	Flags:     []cli.Flag{mappingFlag},
}

func slot(ctx *cli.Context) error {
	if ctx.Args().Len() != 1 {
		return fmt.Errorf("expected exactly one holder address")
	}
	arg := ctx.Args().First()
	if !common.IsHexAddress(arg) {
		return fmt.Errorf("invalid address %q", arg)
	}
	key := verifier.BalanceSlot(common.HexToAddress(arg), uint256.NewInt(ctx.Uint64(mappingFlag.Name)))
	fmt.Println(key.Hex())
	return nil
}
