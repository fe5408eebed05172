package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/blockberries/quorumberry/engine"
	"github.com/blockberries/quorumberry/metrics"
	"github.com/blockberries/quorumberry/privval"
	"github.com/blockberries/quorumberry/store"
	"github.com/blockberries/quorumberry/types"
)

var (
	flagValidators int
	flagRounds     int
	flagByzantine  int
	flagDataDir    string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run an in-process validator cluster against one engine",
	Long: `simulate drives one decision engine with a cluster of in-process
validators. Each validator holds a file-backed signing key; proposers
rotate round-robin and honest validators approve every proposal.
Byzantine validators try to equivocate: their signer refuses the second
signature, so they submit the conflicting vote unsigned and end up in
the evidence pool. Decisions are archived as they land.`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().IntVar(&flagValidators, "validators", 4, "number of validators")
	simulateCmd.Flags().IntVar(&flagRounds, "rounds", 10, "rounds to decide")
	simulateCmd.Flags().IntVar(&flagByzantine, "byzantine", 1, "validators that attempt to equivocate")
	simulateCmd.Flags().StringVar(&flagDataDir, "data-dir", "", "data directory (default: fresh temp dir)")

	_ = viper.BindPFlag("simulate.validators", simulateCmd.Flags().Lookup("validators"))
	_ = viper.BindPFlag("simulate.rounds", simulateCmd.Flags().Lookup("rounds"))
	_ = viper.BindPFlag("simulate.byzantine", simulateCmd.Flags().Lookup("byzantine"))
	_ = viper.BindPFlag("simulate.data-dir", simulateCmd.Flags().Lookup("data-dir"))
}

type simValidator struct {
	id        types.ValidatorID
	pv        *privval.FilePV
	byzantine bool
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	n := viper.GetInt("simulate.validators")
	rounds := viper.GetInt("simulate.rounds")
	byzantine := viper.GetInt("simulate.byzantine")
	dataDir := viper.GetString("simulate.data-dir")

	if n < 4 {
		return fmt.Errorf("need at least 4 validators, got %d", n)
	}
	if rounds < 1 {
		return fmt.Errorf("need at least 1 round, got %d", rounds)
	}
	if byzantine < 0 || 3*byzantine >= n {
		return fmt.Errorf("%d byzantine validators out of %d cannot leave a quorum of honest ones", byzantine, n)
	}

	if dataDir == "" {
		var err error
		dataDir, err = os.MkdirTemp("", "quorumberry-sim-")
		if err != nil {
			return fmt.Errorf("failed to create data dir: %w", err)
		}
	}
	log.Info().
		Str("data_dir", dataDir).
		Int("validators", n).
		Int("rounds", rounds).
		Int("byzantine", byzantine).
		Msg("starting simulation")

	// Provision signers and the validator set. The last `byzantine`
	// validators equivocate; they are never the proposer majority.
	valSet := types.NewValidatorSet()
	validators := make([]*simValidator, 0, n)
	for i := 0; i < n; i++ {
		id := types.ValidatorID(fmt.Sprintf("val%d", i))
		keyDir := filepath.Join(dataDir, "keys", string(id))
		pv, err := privval.GenerateFilePV(id,
			filepath.Join(keyDir, "key.json"),
			filepath.Join(keyDir, "state.json"))
		if err != nil {
			return fmt.Errorf("failed to provision signer for %s: %w", id, err)
		}
		if _, err := valSet.RegisterWithKey(id, 1, pv.GetPubKey()); err != nil {
			return fmt.Errorf("failed to register %s: %w", id, err)
		}
		validators = append(validators, &simValidator{
			id:        id,
			pv:        pv,
			byzantine: i >= n-byzantine,
		})
	}
	if err := valSet.Seal(); err != nil {
		return err
	}

	cfg := engine.DefaultConfig()
	cfg.InstanceID = "quorumberry-sim"
	cfg.WALDir = filepath.Join(dataDir, "wal")
	cfg.FaultTolerance = (n - 1) / 3

	collector := metrics.NewEngineCollector(prometheus.NewRegistry())
	eng, err := engine.NewEngine(log, cfg, valSet, nil, collector)
	if err != nil {
		return err
	}

	archive, err := store.Open(log, filepath.Join(dataDir, "archive"))
	if err != nil {
		return err
	}
	defer func() {
		if err := archive.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close archive")
		}
	}()

	if err := eng.Start(); err != nil {
		return err
	}
	defer func() {
		if err := eng.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop engine")
		}
	}()

	decisions, cancelSub := eng.SubscribeDecisions()
	defer cancelSub()

	// One proposal per round, schedule known to everyone up front. The
	// round-robin rotation stands in for a leader election module.
	proposals := make([]*types.Proposal, rounds+1)
	for r := 1; r <= rounds; r++ {
		v := validators[(r-1)%n]
		p := types.NewProposal(uint64(r), v.id,
			[]byte(fmt.Sprintf("block-%04d", r)), time.Now().UnixNano())
		if err := v.pv.SignProposal(cfg.InstanceID, p); err != nil {
			return err
		}
		proposals[r] = p
	}

	allDecided := make(chan struct{})
	go func() {
		decided := 0
		for d := range decisions {
			log.Info().
				Uint64("round", d.Round).
				Str("proposal", types.HashString(d.ProposalID)).
				Str("proposer", string(d.Proposer)).
				Int64("approving_power", d.ApprovingPower).
				Int64("total_power", d.TotalPower).
				Int("signatories", len(d.Signatories)).
				Msg("decision")
			if err := archive.Archive(d); err != nil {
				log.Error().Uint64("round", d.Round).Err(err).Msg("failed to archive decision")
			}
			decided++
			if decided == rounds {
				close(allDecided)
				return
			}
		}
	}()

	// ready[r] closes once round r's proposal is accepted, so votes
	// never race ahead of their proposal.
	ready := make([]chan struct{}, rounds+1)
	for r := 1; r <= rounds; r++ {
		ready[r] = make(chan struct{})
	}

	g, ctx := errgroup.WithContext(cmd.Context())
	for _, v := range validators {
		v := v
		g.Go(func() error {
			for r := 1; r <= rounds; r++ {
				round := uint64(r)
				p := proposals[r]

				if p.Proposer == v.id {
					if _, err := eng.SubmitProposal(p); err != nil {
						return fmt.Errorf("%s failed to propose round %d: %w", v.id, round, err)
					}
					close(ready[r])
				} else {
					select {
					case <-ready[r]:
					case <-ctx.Done():
						return ctx.Err()
					}
				}

				vote := types.NewVote(round, v.id, p.ID(), true, time.Now().UnixNano())
				if err := v.pv.SignVote(cfg.InstanceID, vote); err != nil {
					return fmt.Errorf("%s failed to sign round %d: %w", v.id, round, err)
				}
				if err := eng.IngestVote(vote); err != nil {
					return fmt.Errorf("%s failed to vote round %d: %w", v.id, round, err)
				}

				if v.byzantine {
					v.equivocate(eng, cfg.InstanceID, round)
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	select {
	case <-allDecided:
	case <-time.After(30 * time.Second):
		return fmt.Errorf("timed out waiting for %d decisions", rounds)
	}

	count, err := archive.Count()
	if err != nil {
		return err
	}
	latest, err := archive.Latest()
	if err != nil {
		return err
	}

	pool := eng.Evidence()
	for _, ev := range pool.Pending(1 << 20) {
		log.Warn().
			Str("voter", string(ev.Voter())).
			Uint64("round", ev.Round()).
			Msg("equivocation evidence collected")
	}

	log.Info().
		Int("archived", count).
		Uint64("latest_round", latest.Round).
		Int("evidence", pool.Size()).
		Str("data_dir", dataDir).
		Msg("simulation complete")
	return nil
}

// equivocate submits a rival proposal and an unsigned conflicting vote.
// The signer refuses to sign the conflict, which is the point: only a
// validator bypassing its own signer can equivocate, and the engine
// catches it anyway.
func (v *simValidator) equivocate(eng *engine.Engine, instanceID string, round uint64) {
	rival := types.NewProposal(round, v.id,
		[]byte(fmt.Sprintf("rival-%04d", round)), time.Now().UnixNano())
	if err := v.pv.SignProposal(instanceID, rival); err != nil {
		return
	}
	if _, err := eng.SubmitProposal(rival); err != nil {
		// round already decided, nothing left to subvert
		return
	}

	forged := types.NewVote(round, v.id, rival.ID(), true, time.Now().UnixNano())
	if err := v.pv.SignVote(instanceID, forged); err != nil {
		log.Debug().
			Str("validator", string(v.id)).
			Uint64("round", round).
			Err(err).
			Msg("signer refused to equivocate, submitting unsigned vote")
	}
	_ = eng.IngestVote(forged)
}
