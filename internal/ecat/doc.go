// Package ecat supervises one EtherCAT segment through an abstract master.
//
// It discovers how every device lays out its process data inside a shared
// process image, keeps that image synchronised with the bus on a fixed cycle,
// and drives faulted devices back to OPERATIONAL.
//
// # Components
//
//   - Probe reads one PDO assignment from a device's object dictionary
//   - BuildLayout walks every device and produces the output and input mapping tables
//   - Index answers point lookups and ordered scans over the built tables
//   - Synchronizer exchanges the image once per cycle
//   - Supervisor runs the error-ack / reconfigure / recover state machine
//   - Driver performs bring-up and owns the run loop
//
// # Locking
//
// All shared state lives in a Segment. The image bytes, the device table and
// the working counters are reachable only through Segment.WithImage, which
// holds the image lock for the duration of the callback. Diagnostic blocks go
// through Report, which takes the console lock. ImageSession.Report nests the
// console lock inside the image lock, which is the only permitted order.
//
// The image lock is never held across network I/O. Readers copy what they
// need inside the session and write after it returns.
//
// # Usage
//
//	seg := ecat.NewSegment(4096, logger)
//	drv := ecat.NewDriver(master, seg, ecat.DriverOptions{Interface: "eth0"})
//	if err := drv.Bringup(ctx); err != nil {
//	    return err
//	}
//	return drv.Run(ctx)
package ecat
