package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serebryakov7/j1939-obd/internal/modules"
	"github.com/serebryakov7/j1939-obd/internal/runner"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "obd.db")
	s, err := OpenDB(path)
	require.NoError(t, err)
	return s, path
}

func TestModules(t *testing.T) {
	s, path := openTemp(t)

	mods := []modules.Module{
		{Address: 0x00, Name: "Engine #1", ObdCompliant: true, Compliance: 0x14, SupportedSPNs: []uint32{110, 190}},
		{Address: 0x21, Name: "Body Controller", Compliance: 5},
	}
	require.NoError(t, s.SaveModules(mods))
	require.NoError(t, s.SaveModules(mods[:1]), "повторное сохранение заменяет реестр")
	require.NoError(t, s.SaveModules(mods))
	require.NoError(t, s.Close())

	s, err := OpenDB(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.LoadModules()
	require.NoError(t, err)
	assert.Equal(t, mods, got)

	reg := modules.NewRegistry()
	reg.Load(got)
	assert.Equal(t, []uint8{0x00}, reg.ObdAddresses())
}

func TestOutcomes(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	started := time.Date(2024, 5, 1, 10, 0, 0, 123456789, time.UTC)
	var rep runner.Reporter = s
	require.NoError(t, rep.Report(runner.Outcome{StepID: "dm5-global-ds", Name: "DM5", Verdict: runner.Pass, Started: started, Finished: started.Add(time.Second)}))
	require.NoError(t, rep.Report(runner.Outcome{StepID: "dm26-ds", Verdict: runner.Fail,
		Findings: []runner.Finding{runner.Failf(0x03, "нет ответа")}, Started: started, Finished: started}))

	got, err := s.Outcomes()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "dm5-global-ds", got[0].StepID)
	assert.True(t, got[0].Started.Equal(started), "наносекунды сохраняются")
	assert.True(t, got[0].Finished.Equal(started.Add(time.Second)))
	assert.Equal(t, runner.Fail, got[1].Verdict)
	assert.Equal(t, []runner.Finding{{Verdict: runner.Fail, Address: 0x03, Message: "нет ответа"}}, got[1].Findings)

	require.NoError(t, s.ClearOutcomes())
	got, err = s.Outcomes()
	require.NoError(t, err)
	assert.Empty(t, got)
}
