// Package sim provides a simulated EtherCAT segment that implements
// ecat.Master.
//
// A segment is described in YAML: each device lists its PDO assignments,
// the entries mapped into them and optional configuration objects. The
// simulation answers dictionary reads the way a real device would
// (0x1C00 sync manager types, 0x1C12/0x1C13 assignments, PDO mapping
// words), lays out outputs before inputs in the process image, runs a
// minimal AL state machine and computes the working counter.
//
// Faults can be injected at runtime:
//
//	m.InjectError(3, 0x001B) // SAFE_OP+ERROR with a sync manager watchdog
//	m.Disconnect(3)          // device stops answering
//	m.Reset(3)               // device answers again after a power cycle
package sim
