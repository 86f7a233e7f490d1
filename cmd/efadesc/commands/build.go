package commands

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rocketbitz/efa-go/efa"
)

// NewBuildSendCmd creates the build-send command
func NewBuildSendCmd() *cobra.Command {
	var (
		req      efa.SendRequest
		phase    uint8
		inline   string
		segments []string
		imm      string
		noComp   bool
	)
	cmd := &cobra.Command{
		Use:   "build-send",
		Short: "Encode a transmit WQE and print it as hex",
		Long: `Encode a transmit WQE. The payload is either --inline text (up to 32
bytes) or one or two --segment values of the form addr:length:lkey, with
numbers in any base strconv accepts (0x prefixes allowed).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if inline != "" {
				req.Inline = []byte(inline)
			}
			for _, s := range segments {
				seg, err := parseSegment(s)
				if err != nil {
					return err
				}
				req.Segments = append(req.Segments, seg)
			}
			if imm != "" {
				v, err := strconv.ParseUint(imm, 0, 32)
				if err != nil {
					return fmt.Errorf("invalid --imm: %w", err)
				}
				req.HasImm = true
				req.Imm = uint32(v)
			}
			req.CompletionRequested = !noComp
			w, err := efa.BuildSend(req, phase)
			if err != nil {
				return fmt.Errorf("build send: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(w[:]))
			return nil
		},
	}
	flags := cmd.Flags()
	flags.Uint16Var(&req.ReqID, "req-id", 0, "request id")
	flags.Uint16Var(&req.DestQP, "dest-qp", 0, "destination queue pair number")
	flags.Uint16Var(&req.AH, "ah", 0, "address handle")
	flags.Uint32Var(&req.QKey, "qkey", 0, "queue key of the destination")
	flags.Uint8Var(&phase, "phase", 1, "phase bit to stamp")
	flags.StringVar(&inline, "inline", "", "inline payload")
	flags.StringArrayVar(&segments, "segment", nil, "buffer segment addr:length:lkey (repeatable)")
	flags.StringVar(&imm, "imm", "", "immediate data")
	flags.BoolVar(&noComp, "no-completion", false, "clear the completion request flag")
	return cmd
}

// NewBuildRecvCmd creates the build-recv command
func NewBuildRecvCmd() *cobra.Command {
	var (
		reqID    uint16
		segments []string
		maxSegs  int
	)
	cmd := &cobra.Command{
		Use:   "build-recv",
		Short: "Encode a receive descriptor chain and print it as hex",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := efa.RecvRequest{ReqID: reqID}
			for _, s := range segments {
				seg, err := parseSegment(s)
				if err != nil {
					return err
				}
				req.Segments = append(req.Segments, seg)
			}
			descs, err := efa.BuildRecv(req, maxSegs)
			if err != nil {
				return fmt.Errorf("build receive: %w", err)
			}
			out := cmd.OutOrStdout()
			for i := range descs {
				fmt.Fprintln(out, hex.EncodeToString(descs[i][:]))
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.Uint16Var(&reqID, "req-id", 0, "request id")
	flags.StringArrayVar(&segments, "segment", nil, "buffer segment addr:length:lkey (repeatable)")
	flags.IntVar(&maxSegs, "max-segments", 0, "reject chains longer than this (0 for no limit)")
	return cmd
}

func parseSegment(s string) (efa.Segment, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return efa.Segment{}, fmt.Errorf("segment %q: want addr:length:lkey", s)
	}
	addr, err := strconv.ParseUint(parts[0], 0, 64)
	if err != nil {
		return efa.Segment{}, fmt.Errorf("segment %q address: %w", s, err)
	}
	length, err := strconv.ParseUint(parts[1], 0, 16)
	if err != nil {
		return efa.Segment{}, fmt.Errorf("segment %q length: %w", s, err)
	}
	lkey, err := strconv.ParseUint(parts[2], 0, 32)
	if err != nil {
		return efa.Segment{}, fmt.Errorf("segment %q lkey: %w", s, err)
	}
	return efa.Segment{Addr: addr, Length: uint16(length), LKey: uint32(lkey)}, nil
}
