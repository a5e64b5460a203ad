// Package executor runs transactions against programs hosted in Go.
//
// For every instruction the executor:
// - Loads the instruction's accounts
// - Synthesizes the instructions sysvar
// - Sizes the heap from the transaction's compute budget
// - Serializes the program input into the VM input region
// - Invokes the program and writes back the accounts it modified
//
// Account changes are committed only when every instruction succeeds.
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/fortiblox/stratus-heap/internal/types"
	"github.com/fortiblox/stratus-heap/pkg/accounts"
	"github.com/fortiblox/stratus-heap/pkg/svm"
	"github.com/fortiblox/stratus-heap/pkg/svm/computebudget"
	"github.com/fortiblox/stratus-heap/pkg/svm/entrypoint"
	"github.com/fortiblox/stratus-heap/pkg/svm/sbpf"
	"github.com/fortiblox/stratus-heap/pkg/svm/sysvar"
)

// Executor errors.
var (
	ErrProgramNotFound     = errors.New("program not found")
	ErrInstructionTooLarge = errors.New("instruction data too large")
	ErrProgramRegistered   = errors.New("program already registered")
)

// MaxInstructionDataSize is the largest instruction data accepted.
const MaxInstructionDataSize = 10 * 1024

// Config configures an Executor.
type Config struct {
	// PokeHeap makes allocators touch every block they hand out, so that
	// running past the granted heap fails in the allocator.
	PokeHeap bool

	// Logger receives executor logs. Nil uses the standard logger.
	Logger *logrus.Entry
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{}
}

// Transaction is a list of instructions executed atomically.
type Transaction struct {
	Instructions []sysvar.Instruction
}

// ExecutionResult contains the result of a transaction.
type ExecutionResult struct {
	// Success indicates if every instruction succeeded.
	Success bool

	// Error contains the error message if execution failed.
	Error string

	// FailedInstruction is the index of the failing instruction, or -1.
	FailedInstruction int

	// ComputeUnitsUsed is the compute units consumed.
	ComputeUnitsUsed uint64

	// HeapSize is the heap granted to each invocation.
	HeapSize uint32

	// Logs contains program log messages.
	Logs []string

	// ModifiedAccounts contains the pubkeys of stored accounts.
	ModifiedAccounts []types.Pubkey
}

// Executor executes transactions.
type Executor struct {
	db       accounts.DB
	cfg      Config
	log      *logrus.Entry
	programs map[types.Pubkey]Program
}

// New creates an executor over db.
func New(db accounts.DB, cfg Config) *Executor {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger().WithField("type", "svm/executor")
	}
	return &Executor{
		db:       db,
		cfg:      cfg,
		log:      log,
		programs: make(map[types.Pubkey]Program),
	}
}

// Register hosts a program under programID.
func (e *Executor) Register(programID types.Pubkey, program Program) error {
	if _, ok := e.programs[programID]; ok || programID == computebudget.ProgramID {
		return fmt.Errorf("%w: %s", ErrProgramRegistered, programID)
	}
	e.programs[programID] = program
	return nil
}

// ExecuteTransaction executes the instructions of tx in order.
//
// A failing instruction fails the transaction: the returned result
// describes the failure and no account is stored. The error is reserved for
// failures of the executor itself, such as the accounts database.
func (e *Executor) ExecuteTransaction(ctx context.Context, tx *Transaction) (*ExecutionResult, error) {
	result := &ExecutionResult{FailedInstruction: -1}

	limits, err := computebudget.ProcessInstructions(tx.Instructions)
	if err != nil {
		result.Error = err.Error()
		return result, nil
	}
	result.HeapSize = limits.HeapSize

	meter := svm.NewComputeMeter(uint64(limits.ComputeUnitLimit))
	log := e.log.WithFields(logrus.Fields{
		"instructions": len(tx.Instructions),
		"heap_size":    limits.HeapSize,
		"cu_limit":     limits.ComputeUnitLimit,
	})

	sysvarData := make([][]byte, len(tx.Instructions))
	for i := range tx.Instructions {
		sysvarData[i], err = sysvar.EncodeInstructions(tx.Instructions, uint16(i))
		if err != nil {
			result.Error = err.Error()
			return result, nil
		}
	}

	state := newTxState(e.db)
	for i := range tx.Instructions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		logs, err := e.executeInstruction(state, &tx.Instructions[i], sysvarData[i], limits, meter)
		result.Logs = append(result.Logs, logs...)
		if err != nil {
			var dbErr dbError
			if errors.As(err, &dbErr) {
				return nil, dbErr.err
			}
			result.FailedInstruction = i
			result.Error = err.Error()
			result.ComputeUnitsUsed = meter.Consumed()
			log.WithError(err).WithField("instruction", i).Warn("instruction failed")
			return result, nil
		}
	}

	result.ComputeUnitsUsed = meter.Consumed()
	entries := state.modified()
	if err := e.db.SetAccounts(entries); err != nil {
		return nil, fmt.Errorf("store accounts: %w", err)
	}
	for _, entry := range entries {
		result.ModifiedAccounts = append(result.ModifiedAccounts, entry.Pubkey)
	}
	result.Success = true

	log.WithField("cu_used", result.ComputeUnitsUsed).Debug("transaction executed")
	return result, nil
}

// executeInstruction runs one instruction against state.
func (e *Executor) executeInstruction(
	state *txState,
	ix *sysvar.Instruction,
	sysvarData []byte,
	limits *svm.ComputeBudgetLimits,
	meter *svm.ComputeMeter,
) ([]string, error) {
	programLog := fmt.Sprintf("Program %s invoke [1]", ix.ProgramID)

	if ix.ProgramID == computebudget.ProgramID {
		if err := meter.Consume(svm.CUComputeBudgetDefault); err != nil {
			return []string{programLog}, err
		}
		return []string{programLog, fmt.Sprintf("Program %s success", ix.ProgramID)}, nil
	}

	if len(ix.Data) > MaxInstructionDataSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInstructionTooLarge, len(ix.Data))
	}
	program, ok := e.programs[ix.ProgramID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProgramNotFound, ix.ProgramID)
	}
	if err := meter.Consume(svm.HeapCost(limits.HeapSize)); err != nil {
		return nil, err
	}

	infos, err := state.load(ix, sysvarData)
	if err != nil {
		return nil, err
	}
	input, err := entrypoint.SerializeInput(ix.ProgramID, infos, ix.Data)
	if err != nil {
		return nil, err
	}

	mem := sbpf.NewMemoryMap(input, uint64(limits.HeapSize))
	inv := newInvocation(ix.ProgramID, ix.Data, mem, meter, e.cfg.PokeHeap)
	inv.logs = append(inv.logs, programLog)

	if err := program.Execute(inv); err != nil {
		inv.logs = append(inv.logs, fmt.Sprintf("Program %s failed: %v", ix.ProgramID, err))
		return inv.logs, err
	}

	if err := entrypoint.DeserializeOutput(mem.Input(), infos); err != nil {
		return inv.logs, err
	}
	state.update(infos)

	inv.logs = append(inv.logs, fmt.Sprintf("Program %s success", ix.ProgramID))
	return inv.logs, nil
}

// dbError marks a failure of the accounts database.
type dbError struct {
	err error
}

func (e dbError) Error() string {
	return e.err.Error()
}

// txState is the transaction's view of accounts: the database overlaid
// with the writes of earlier instructions.
type txState struct {
	db      accounts.DB
	pending map[types.Pubkey]*accounts.Account
	order   []types.Pubkey
}

func newTxState(db accounts.DB) *txState {
	return &txState{db: db, pending: make(map[types.Pubkey]*accounts.Account)}
}

// get returns the current state of an account. Missing accounts are empty
// and owned by the system program.
func (s *txState) get(key types.Pubkey) (*accounts.Account, error) {
	if acc, ok := s.pending[key]; ok {
		return acc, nil
	}
	acc, err := s.db.GetAccount(key)
	if errors.Is(err, accounts.ErrAccountNotFound) {
		return &accounts.Account{Owner: types.SystemProgramAddr}, nil
	}
	if err != nil {
		return nil, dbError{err: err}
	}
	return acc, nil
}

// load returns the accounts of ix in instruction order. Repeated keys share
// one AccountInfo.
func (s *txState) load(ix *sysvar.Instruction, sysvarData []byte) ([]*entrypoint.AccountInfo, error) {
	infos := make([]*entrypoint.AccountInfo, len(ix.Accounts))
	byKey := make(map[types.Pubkey]*entrypoint.AccountInfo, len(ix.Accounts))

	for i, meta := range ix.Accounts {
		if info, ok := byKey[meta.Pubkey]; ok {
			infos[i] = info
			continue
		}

		if meta.Pubkey == types.SysvarInstructionsAddr {
			infos[i] = &entrypoint.AccountInfo{
				Key:      meta.Pubkey,
				Owner:    types.SysvarOwnerAddr,
				Lamports: 1,
				Data:     sysvarData,
			}
		} else {
			acc, err := s.get(meta.Pubkey)
			if err != nil {
				return nil, err
			}
			infos[i] = acc.Info(meta.Pubkey, meta.IsSigner, meta.IsWritable && !types.IsSysvar(meta.Pubkey))
		}
		byKey[meta.Pubkey] = infos[i]
	}
	return infos, nil
}

// update records the writable accounts the program modified.
func (s *txState) update(infos []*entrypoint.AccountInfo) {
	for _, info := range infos {
		if !info.IsWritable || !info.IsModified() {
			continue
		}
		if _, ok := s.pending[info.Key]; !ok {
			s.order = append(s.order, info.Key)
		}
		s.pending[info.Key] = accounts.FromInfo(info)
	}
}

// modified returns the accounts to store, in first modification order.
func (s *txState) modified() []accounts.Entry {
	entries := make([]accounts.Entry, 0, len(s.order))
	for _, key := range s.order {
		entries = append(entries, accounts.Entry{Pubkey: key, Account: s.pending[key]})
	}
	return entries
}
