package commands

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rocketbitz/efa-go/efa"
)

// NewDecodeCQCmd creates the decode-cq command
func NewDecodeCQCmd() *cobra.Command {
	var phase uint8
	cmd := &cobra.Command{
		Use:   "decode-cq <hex>",
		Short: "Decode a completion queue entry",
		Long: `Decode an 8, 16 or 32 byte completion entry given as hex. Spaces, colons
and a 0x prefix are ignored. The entry is decoded as if read from a slot of
exactly that size, so a wide completion in a 16 byte entry is reported as
truncated.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := parseHex(args[0])
			if err != nil {
				return err
			}
			slot := make([]byte, len(raw))
			copy(slot, raw)
			c, err := efa.DecodeCompletion(slot, phase)
			if err != nil {
				return fmt.Errorf("decode completion: %w", err)
			}
			printCompletion(cmd.OutOrStdout(), c)
			return nil
		},
	}
	cmd.Flags().Uint8Var(&phase, "phase", 1, "expected phase bit")
	return cmd
}

// NewDecodeTxCmd creates the decode-tx command
func NewDecodeTxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode-tx <hex>",
		Short: "Decode a 64 byte transmit WQE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := parseHex(args[0])
			if err != nil {
				return err
			}
			if len(raw) != efa.TxWQESize {
				return fmt.Errorf("transmit WQE must be %d bytes, got %d", efa.TxWQESize, len(raw))
			}
			var w efa.TxWQE
			copy(w[:], raw)
			req, phase, err := efa.ParseSend(&w)
			if err != nil {
				return fmt.Errorf("decode transmit WQE: %w", err)
			}
			printSend(cmd.OutOrStdout(), req, phase)
			return nil
		},
	}
}

// NewDecodeRxCmd creates the decode-rx command
func NewDecodeRxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode-rx <hex>",
		Short: "Decode a chain of 16 byte receive descriptors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := parseHex(args[0])
			if err != nil {
				return err
			}
			if len(raw) == 0 || len(raw)%efa.RxDescSize != 0 {
				return fmt.Errorf("receive chain must be a multiple of %d bytes, got %d", efa.RxDescSize, len(raw))
			}
			descs := make([]efa.RxDesc, len(raw)/efa.RxDescSize)
			for i := range descs {
				copy(descs[i][:], raw[i*efa.RxDescSize:])
			}
			req, err := efa.ParseRecv(descs)
			if err != nil {
				return fmt.Errorf("decode receive chain: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "req_id=%d segments=%d\n", req.ReqID, len(req.Segments))
			printSegments(out, req.Segments)
			return nil
		},
	}
}

func parseHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	s = strings.NewReplacer(" ", "", ":", "", "\n", "", "\t", "").Replace(s)
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex input: %w", err)
	}
	return raw, nil
}

func printCompletion(w io.Writer, c efa.Completion) {
	fmt.Fprintf(w, "req_id=%d status=%q class=%s queue=%s qpn=%d length=%d\n",
		c.ReqID, c.Status, c.Status.Class(), c.QueueType, c.QPNum, c.Length)
	if c.QueueType != efa.QueueRecv {
		return
	}
	if c.AHValid() {
		fmt.Fprintf(w, "ah=%d ", c.AH)
	} else {
		fmt.Fprint(w, "ah=invalid ")
	}
	fmt.Fprintf(w, "src_qp=%d", c.SrcQP)
	if c.HasImm {
		fmt.Fprintf(w, " imm=0x%08x", c.Imm)
	}
	fmt.Fprintln(w)
	if c.Wide {
		fmt.Fprintf(w, "src_addr=%s\n", hex.EncodeToString(c.SrcAddr[:]))
	}
}

func printSend(w io.Writer, req efa.SendRequest, phase uint8) {
	fmt.Fprintf(w, "req_id=%d op=%s dest_qp=%d ah=%d qkey=0x%x phase=%d comp_req=%t length=%d\n",
		req.ReqID, req.Op, req.DestQP, req.AH, req.QKey, phase, req.CompletionRequested, req.TotalLength())
	if req.HasImm {
		fmt.Fprintf(w, "imm=0x%08x\n", req.Imm)
	}
	if len(req.Inline) > 0 {
		fmt.Fprintf(w, "inline=%s\n", hex.EncodeToString(req.Inline))
		return
	}
	printSegments(w, req.Segments)
}

func printSegments(w io.Writer, segs []efa.Segment) {
	for i, seg := range segs {
		fmt.Fprintf(w, "segment[%d] addr=0x%012x length=%d lkey=0x%x\n", i, seg.Addr, seg.Length, seg.LKey)
	}
}
