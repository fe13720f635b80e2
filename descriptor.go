package hostsim

// DescriptorType distinguishes the kinds of descriptor a host hands out
type DescriptorType int

const (
	DescriptorNone DescriptorType = iota
	DescriptorTCP
	DescriptorUDP
)

func (dt DescriptorType) String() string {
	switch dt {
	case DescriptorTCP:
		return "tcp"
	case DescriptorUDP:
		return "udp"
	}
	return "none"
}

// DescriptorStatus is the set of readiness bits applications poll
type DescriptorStatus uint8

const (
	DescActive DescriptorStatus = 1 << iota
	DescReadable
	DescWritable
	DescClosed
)

// DescriptorListener is told about status changes.  Notifications are delivered in a
// separate event on the owning host, never from inside the protocol code that caused them.
type DescriptorListener func(wk *Worker, handle int, status DescriptorStatus)

// Descriptor is anything an application holds a handle to
type Descriptor interface {
	Handle() int
	Type() DescriptorType
	Status() DescriptorStatus
	base() *descriptorBase
}

type descriptorBase struct {
	handle        int
	dtype         DescriptorType
	status        DescriptorStatus
	host          *Host
	listeners     []DescriptorListener
	notifyPending bool
	userClosed    bool
}

func (db *descriptorBase) Handle() int              { return db.handle }
func (db *descriptorBase) Type() DescriptorType     { return db.dtype }
func (db *descriptorBase) Status() DescriptorStatus { return db.status }
func (db *descriptorBase) base() *descriptorBase    { return db }

// adjustStatus sets or clears status bits, and arranges to notify listeners if anything changed
func (db *descriptorBase) adjustStatus(wk *Worker, bits DescriptorStatus, set bool) {
	old := db.status
	if set {
		db.status |= bits
	} else {
		db.status &^= bits
	}
	if old != db.status {
		db.scheduleNotify(wk)
	}
}

func (db *descriptorBase) addListener(fn DescriptorListener) {
	db.listeners = append(db.listeners, fn)
}

func (db *descriptorBase) scheduleNotify(wk *Worker) {
	if wk == nil || len(db.listeners) == 0 || db.notifyPending {
		return
	}
	db.notifyPending = true
	wk.ScheduleTask(NewTask("descriptor-notify", db.notify, nil), db.host, 0)
}

func (db *descriptorBase) notify(wk *Worker, _ any) {
	db.notifyPending = false
	for _, fn := range db.listeners {
		fn(wk, db.handle, db.status)
	}
}
