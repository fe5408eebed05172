package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/blockberries/quorumberry/types"
	"github.com/blockberries/quorumberry/wal"
)

var (
	flagWALDir    string
	flagDumpRound uint64
	flagDumpLimit int
)

var walCmd = &cobra.Command{
	Use:   "wal",
	Short: "Inspect a decision log directory",
}

var walInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Summarize the records in a decision log",
	RunE:  runWALInspect,
}

var walDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print every record in a decision log",
	RunE:  runWALDump,
}

func init() {
	rootCmd.AddCommand(walCmd)
	walCmd.AddCommand(walInspectCmd)
	walCmd.AddCommand(walDumpCmd)

	walCmd.PersistentFlags().StringVar(&flagWALDir, "dir", "", "decision log directory [required]")
	_ = walCmd.MarkPersistentFlagRequired("dir")

	walDumpCmd.Flags().Uint64Var(&flagDumpRound, "round", 0, "only records for this round (0 = all)")
	walDumpCmd.Flags().IntVar(&flagDumpLimit, "limit", 0, "stop after this many records (0 = all)")
}

func runWALInspect(*cobra.Command, []string) error {
	reader, err := wal.OpenForReading(flagWALDir)
	if err != nil {
		return err
	}
	defer reader.Close()

	var (
		total, proposals, votes, decisions, unknown int
		lowRound, highRound                         uint64
		rounds                                      = map[uint64]struct{}{}
		decidedRounds                               []uint64
		torn                                        error
	)

	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			torn = err
			break
		}

		total++
		rounds[rec.Round] = struct{}{}
		if lowRound == 0 || rec.Round < lowRound {
			lowRound = rec.Round
		}
		if rec.Round > highRound {
			highRound = rec.Round
		}

		switch rec.Type {
		case wal.RecordTypeProposal:
			proposals++
		case wal.RecordTypeVote:
			votes++
		case wal.RecordTypeDecision:
			decisions++
			decidedRounds = append(decidedRounds, rec.Round)
		default:
			unknown++
		}
	}

	fmt.Printf("directory:  %s\n", flagWALDir)
	fmt.Printf("records:    %d\n", total)
	fmt.Printf("proposals:  %d\n", proposals)
	fmt.Printf("votes:      %d\n", votes)
	fmt.Printf("decisions:  %d %v\n", decisions, decidedRounds)
	if unknown > 0 {
		fmt.Printf("unknown:    %d\n", unknown)
	}
	if total > 0 {
		fmt.Printf("rounds:     %d touched (%d..%d)\n", len(rounds), lowRound, highRound)
	}
	if torn != nil {
		fmt.Printf("torn tail:  %v\n", torn)
	}
	return nil
}

func runWALDump(*cobra.Command, []string) error {
	reader, err := wal.OpenForReading(flagWALDir)
	if err != nil {
		return err
	}
	defer reader.Close()

	printed := 0
	for seq := 0; ; seq++ {
		rec, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			fmt.Printf("#%04d torn record: %v\n", seq, err)
			return nil
		}
		if flagDumpRound != 0 && rec.Round != flagDumpRound {
			continue
		}

		fmt.Printf("#%04d %-8s round=%-4d %s %s\n",
			seq, rec.Type, rec.Round, recordTime(rec), describeRecord(rec))

		printed++
		if flagDumpLimit > 0 && printed >= flagDumpLimit {
			return nil
		}
	}
}

func recordTime(rec *wal.Record) string {
	if rec.Time == 0 {
		return "-"
	}
	return time.Unix(0, rec.Time).UTC().Format(time.RFC3339)
}

// describeRecord renders the payload of one log record.
func describeRecord(rec *wal.Record) string {
	switch rec.Type {
	case wal.RecordTypeProposal:
		p, err := wal.DecodeProposal(rec.Data)
		if err != nil {
			return fmt.Sprintf("undecodable: %v", err)
		}
		return fmt.Sprintf("id=%.12s proposer=%s value_bytes=%d",
			types.HashString(p.ID()), p.Proposer, len(p.Value))
	case wal.RecordTypeVote:
		v, err := wal.DecodeVote(rec.Data)
		if err != nil {
			return fmt.Sprintf("undecodable: %v", err)
		}
		return fmt.Sprintf("voter=%s approve=%t proposal=%.12s",
			v.Voter, v.Approve, types.HashString(v.ProposalID))
	case wal.RecordTypeDecision:
		d, err := wal.DecodeDecision(rec.Data)
		if err != nil {
			return fmt.Sprintf("undecodable: %v", err)
		}
		return fmt.Sprintf("proposal=%.12s power=%d/%d signatories=%v",
			types.HashString(d.ProposalID), d.ApprovingPower, d.TotalPower, d.Signatories)
	default:
		return fmt.Sprintf("payload_bytes=%d", len(rec.Data))
	}
}
