package dispatch

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/ixl/hw"
)

// Other is the non-queue work behind vector 0. Tick is also called
// periodically so asynchronous command deadlines pass without an interrupt.
type Other interface {
	Fire()
	Tick()
}

// Admin is the admin queue side the other-events path drives.
type Admin interface {
	ReapCompletions() int
	ReapEvents() int
	ExpireTimeouts() int
	Stalled() error
}

// AdminService reads and clears the vector 0 cause register and services the
// admin queue when it raised the interrupt. Link events arrive as admin
// events, so the link monitor is driven from here too.
//
// onStall is called once, from whichever of Fire or Tick first finds the
// admin queue stalled.
type AdminService struct {
	l        *logrus.Entry
	regs     hw.Registers
	admin    Admin
	onStall  func(error)
	reported atomic.Bool
}

func NewAdminService(l *logrus.Logger, regs hw.Registers, admin Admin, onStall func(error)) *AdminService {
	return &AdminService{
		l:       l.WithField("subsystem", "dispatch"),
		regs:    regs,
		admin:   admin,
		onStall: onStall,
	}
}

// Fire implements Other.
func (s *AdminService) Fire() {
	cause := s.regs.Read32(hw.PFINTICR0)
	if cause&hw.ICR0AdminQ != 0 {
		c := s.admin.ReapCompletions()
		e := s.admin.ReapEvents()
		if s.l.Logger.IsLevelEnabled(logrus.DebugLevel) {
			s.l.WithField("completions", c).WithField("events", e).Debug("Serviced admin queue")
		}
	}
	s.expire()
}

// Tick implements Other.
func (s *AdminService) Tick() {
	s.expire()
}

func (s *AdminService) expire() {
	s.admin.ExpireTimeouts()

	err := s.admin.Stalled()
	if err == nil || s.onStall == nil || !s.reported.CompareAndSwap(false, true) {
		return
	}
	s.onStall(err)
}
