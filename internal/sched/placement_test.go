package sched

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dcsim/powersched/internal/model"
)

func TestPlace_BestFitPrefersLeastLoaded(t *testing.T) {
	fake := newFakeCluster()
	fake.addMachine(model.ArchX86, 8, 16384)
	fake.addMachine(model.ArchX86, 8, 16384)
	cfg := testCfg()
	cfg.MaxRunning, cfg.MinRunning, cfg.StandbySize = 2, 2, 0
	s := newTestScheduler(t, fake, cfg)
	s.Init()

	// Load the first bootstrap VM so the second becomes the best fit.
	busy := s.reg.VMsOn(0)[0]
	fake.placeTask(busy, 100)

	fake.addTask(1, model.ArchX86, model.FlavorLinux, model.SLA3, 512)
	s.NewTask(0, 1)

	require.Equal(t, 1, s.Stats().PlacedBestFit)
	idle := s.reg.VMsOn(1)[0]
	require.Contains(t, fake.vms[idle].tasks, model.TaskID(1))
}

func TestPlace_CompatibleFlavorFallback(t *testing.T) {
	fake := newFakeCluster()
	fake.addMachine(model.ArchX86, 8, 16384)
	cfg := testCfg()
	cfg.MaxRunning, cfg.MinRunning, cfg.StandbySize = 1, 1, 0
	s := newTestScheduler(t, fake, cfg)
	s.Init()

	// No WIN VM exists, so the flavor requirement is dropped and the task
	// lands on the LINUX bootstrap VM.
	fake.addTask(1, model.ArchX86, model.FlavorWin, model.SLA3, 512)
	s.NewTask(0, 1)

	require.Equal(t, 0, s.Stats().PlacedBestFit)
	require.Equal(t, 1, s.Stats().PlacedCompatible)
	vm := s.reg.VMsOn(0)[0]
	require.Contains(t, fake.vms[vm].tasks, model.TaskID(1))
}

func TestPlace_QueuesForWakingHost(t *testing.T) {
	fake := newFakeCluster()
	fake.addMachine(model.ArchX86, 8, 16384)
	fake.addMachine(model.ArchPOWER, 8, 16384)
	cfg := testCfg()
	cfg.MaxRunning, cfg.MinRunning, cfg.StandbySize = 1, 1, 1
	s := newTestScheduler(t, fake, cfg)
	s.Init()
	require.Equal(t, []model.MachineID{1}, s.tiers.Standby())

	// Power transitions take effect only on applyState from here on.
	fake.deferState = true

	fake.addTask(1, model.ArchPOWER, model.FlavorAIX, model.SLA1, 512)
	s.NewTask(0, 1)

	require.Equal(t, 1, s.Stats().Promotions)
	require.Zero(t, s.Stats().PlacedPromoted)
	require.True(t, s.tiers.InRunning(1))
	require.Len(t, s.pendingWake[1], 1)

	// The host reaches S0 and the queued task drains onto a fresh VM.
	fake.applyState(1)
	s.StateChangeComplete(0, 1)

	require.Equal(t, 1, s.Stats().PlacedDeferred)
	require.Empty(t, s.pendingWake)
	vms := s.reg.VMsOn(1)
	require.Len(t, vms, 1)
	require.Equal(t, model.FlavorAIX, fake.vms[vms[0]].flavor)
	require.Contains(t, fake.vms[vms[0]].tasks, model.TaskID(1))
}

func TestPlace_PromotedHostTakesTaskImmediately(t *testing.T) {
	fake := newFakeCluster()
	fake.addMachine(model.ArchX86, 8, 16384)
	fake.addMachine(model.ArchPOWER, 8, 16384)
	cfg := testCfg()
	cfg.MaxRunning, cfg.MinRunning, cfg.StandbySize = 1, 1, 1
	s := newTestScheduler(t, fake, cfg)
	s.Init()

	// State changes apply instantly, so the promoted host is usable in
	// the same event.
	fake.addTask(1, model.ArchPOWER, model.FlavorAIX, model.SLA1, 512)
	s.NewTask(0, 1)

	require.Equal(t, 1, s.Stats().Promotions)
	require.Equal(t, 1, s.Stats().PlacedPromoted)
	require.Empty(t, s.pendingWake)
	require.Len(t, s.reg.VMsOn(1), 1)
}

func TestPlace_Failure(t *testing.T) {
	fake := newFakeCluster()
	fake.addMachine(model.ArchX86, 8, 16384)
	cfg := testCfg()
	cfg.MaxRunning, cfg.MinRunning, cfg.StandbySize = 1, 1, 0
	s := newTestScheduler(t, fake, cfg)
	s.Init()

	// No ARM host anywhere in the fleet; every pass declines.
	fake.addTask(1, model.ArchARM, model.FlavorLinux, model.SLA3, 512)
	s.NewTask(0, 1)

	require.Equal(t, 1, s.Stats().PlacementFailures)
	require.Zero(t, s.Stats().Promotions)
}

func TestPlace_SkipsMigratingVM(t *testing.T) {
	fake := newFakeCluster()
	fake.addMachine(model.ArchX86, 8, 16384)
	fake.addMachine(model.ArchX86, 8, 16384)
	cfg := testCfg()
	cfg.MaxRunning, cfg.MinRunning, cfg.StandbySize = 2, 2, 0
	s := newTestScheduler(t, fake, cfg)
	s.Init()

	inflight := s.reg.VMsOn(0)[0]
	require.NoError(t, s.mig.Start(inflight, 1))

	fake.addTask(1, model.ArchX86, model.FlavorLinux, model.SLA3, 512)
	s.NewTask(0, 1)

	require.Equal(t, 1, s.Stats().PlacedBestFit)
	require.NotContains(t, fake.vms[inflight].tasks, model.TaskID(1))
	other := s.reg.VMsOn(1)[0]
	require.Contains(t, fake.vms[other].tasks, model.TaskID(1))
}
