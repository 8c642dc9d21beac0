package model

import (
	"testing"
)

func TestParseArch(t *testing.T) {
	tests := []struct {
		in      string
		want    CPUArch
		wantErr bool
	}{
		{"X86", ArchX86, false},
		{"x86", ArchX86, false},
		{"power", ArchPOWER, false},
		{"ARM", ArchARM, false},
		{"RISCV", ArchRISCV, false},
		{"sparc", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseArch(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseArch(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseArch(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseSLA(t *testing.T) {
	tests := []struct {
		in      string
		want    SLAClass
		wantErr bool
	}{
		{"SLA0", SLA0, false},
		{"sla2", SLA2, false},
		{"SLA3", SLA3, false},
		{"SLA4", 0, true},
		{"gold", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSLA(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSLA(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseSLA(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPriorityForSLA(t *testing.T) {
	tests := []struct {
		sla  SLAClass
		want Priority
	}{
		{SLA0, PriorityHigh},
		{SLA1, PriorityMid},
		{SLA2, PriorityLow},
		{SLA3, PriorityLow},
	}
	for _, tt := range tests {
		if got := PriorityForSLA(tt.sla); got != tt.want {
			t.Errorf("PriorityForSLA(%v) = %v, want %v", tt.sla, got, tt.want)
		}
	}
}

func TestDefaultFlavor(t *testing.T) {
	if got := DefaultFlavor(ArchPOWER); got != FlavorAIX {
		t.Errorf("DefaultFlavor(POWER) = %v, want AIX", got)
	}
	if got := DefaultFlavor(ArchX86); got != FlavorLinux {
		t.Errorf("DefaultFlavor(X86) = %v, want LINUX", got)
	}
	if got := DefaultFlavor(ArchARM); got != FlavorLinux {
		t.Errorf("DefaultFlavor(ARM) = %v, want LINUX", got)
	}
}

func TestMachineInfo_Utilization(t *testing.T) {
	m := MachineInfo{Cores: 8, ActiveTasks: 4}
	if got := m.Utilization(); got != 0.5 {
		t.Errorf("Utilization() = %v, want 0.5", got)
	}

	// Overloaded hosts report above 1.0.
	m.ActiveTasks = 12
	if got := m.Utilization(); got != 1.5 {
		t.Errorf("Utilization() = %v, want 1.5", got)
	}

	m = MachineInfo{}
	if got := m.Utilization(); got != 0 {
		t.Errorf("Utilization() on zero-core host = %v, want 0", got)
	}
}

func TestMachineInfo_FreeMemoryMB(t *testing.T) {
	m := MachineInfo{MemoryMB: 1024, MemoryUsedMB: 256}
	if got := m.FreeMemoryMB(); got != 768 {
		t.Errorf("FreeMemoryMB() = %d, want 768", got)
	}

	m.MemoryUsedMB = 2048
	if got := m.FreeMemoryMB(); got != 0 {
		t.Errorf("FreeMemoryMB() on overcommitted host = %d, want 0", got)
	}
}

func TestTime_Seconds(t *testing.T) {
	if got := Time(1_500_000).Seconds(); got != 1.5 {
		t.Errorf("Seconds() = %v, want 1.5", got)
	}
	if got := Millis(250); got != Time(250_000) {
		t.Errorf("Millis(250) = %v, want 250000", got)
	}
}
