package position

// ValidTransitions 定义持仓生命周期的合法状态迁移。
var ValidTransitions = map[Status][]Status{
	StatusPending:         {StatusOpen, StatusClosed},
	StatusOpen:            {StatusScaling, StatusPartiallyClosed, StatusClosing, StatusClosed},
	StatusScaling:         {StatusOpen, StatusClosing, StatusClosed},
	StatusPartiallyClosed: {StatusScaling, StatusPartiallyClosed, StatusClosing, StatusClosed},
	StatusClosing:         {StatusPartiallyClosed, StatusClosed, StatusOpen}, // Open: 平仓失败，仓位仍在
	StatusClosed:          {},
}

// CanTransition 检查迁移是否合法。
func CanTransition(from, to Status) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal 终态不可再迁移。
func IsTerminal(s Status) bool {
	return s == StatusClosed
}
