package main

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/stratus-heap/internal/types"
	"github.com/fortiblox/stratus-heap/pkg/svm/computebudget"
	"github.com/fortiblox/stratus-heap/pkg/svm/entrypoint"
	"github.com/fortiblox/stratus-heap/pkg/svm/sysvar"
)

func writeInput(t *testing.T, dir, name string, ixs ...sysvar.Instruction) string {
	t.Helper()
	data, err := sysvar.EncodeInstructions(ixs, uint16(len(ixs)-1))
	require.NoError(t, err)

	accounts := []*entrypoint.AccountInfo{
		{Key: types.Pubkey{1}, Data: make([]byte, 8), IsWritable: true},
		{Key: types.SysvarInstructionsAddr, Data: data},
	}
	input, err := entrypoint.SerializeInput(types.Pubkey{7}, accounts, nil)
	require.NoError(t, err)

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, input, 0644))
	return path
}

func TestScan(t *testing.T) {
	dir := t.TempDir()
	requested := writeInput(t, dir, "requested.bin",
		computebudget.RequestHeapFrame(128), sysvar.Instruction{ProgramID: types.Pubkey{7}})
	plain := writeInput(t, dir, "plain.bin", sysvar.Instruction{ProgramID: types.Pubkey{7}})

	var out bytes.Buffer
	require.NoError(t, run([]string{"--log-level", "error", "scan", requested, plain}, &out))
	assert.Equal(t,
		requested+": 131072 bytes (requested)\n"+plain+": 32768 bytes (default)\n",
		out.String())
}

func TestImportAndArchive(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "inputs.db")
	input := writeInput(t, dir, "input.bin",
		computebudget.RequestHeapFrame(64), sysvar.Instruction{ProgramID: types.Pubkey{7}})

	program := types.Pubkey{7}.String()
	require.NoError(t, run([]string{"--archive", db, "--log-level", "error",
		"import", "--slot", "12", "--index", "3", "--program", program, input}, &bytes.Buffer{}))

	var out bytes.Buffer
	require.NoError(t, run([]string{"--archive", db, "--log-level", "error", "archive"}, &out))
	assert.Equal(t, "12/3 "+program+": 65536 bytes (requested)\n", out.String())
}

func TestArchiveFromEnv(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "env.db")
	input := writeInput(t, dir, "input.bin", sysvar.Instruction{ProgramID: types.Pubkey{7}})
	t.Setenv("HEAPSCAN_ARCHIVE", db)
	t.Setenv("HEAPSCAN_LOG_LEVEL", "error")

	require.NoError(t, run([]string{"import", "--slot", "1", input}, &bytes.Buffer{}))

	var out bytes.Buffer
	require.NoError(t, run([]string{"archive"}, &out))
	assert.Contains(t, out.String(), "1/0 ")
	assert.Contains(t, out.String(), "(default)")
}

func TestUsage(t *testing.T) {
	assert.ErrorIs(t, run(nil, &bytes.Buffer{}), errUsage)
	assert.ErrorIs(t, run([]string{"bogus"}, &bytes.Buffer{}), errUsage)
	assert.ErrorIs(t, run([]string{"scan"}, &bytes.Buffer{}), errUsage)

	var out bytes.Buffer
	require.NoError(t, run([]string{"--version"}, &out))
	assert.Contains(t, out.String(), "heapscan "+Version)
}

func TestScanCorruptInput(t *testing.T) {
	// One unique account whose data length runs far past the file.
	corrupt := make([]byte, 96)
	binary.LittleEndian.PutUint64(corrupt, 2)
	corrupt[8] = entrypoint.NonDupMarker
	binary.LittleEndian.PutUint64(corrupt[88:], 1<<40)

	path := filepath.Join(t.TempDir(), "corrupt.bin")
	require.NoError(t, os.WriteFile(path, corrupt, 0644))

	var out bytes.Buffer
	require.NoError(t, run([]string{"--log-level", "error", "scan", path}, &out))
	assert.Equal(t, path+": 32768 bytes (default)\n", out.String())
}
