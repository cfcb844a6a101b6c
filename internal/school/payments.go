package school

import (
	"fmt"
	"time"
)

// CapNotice describes an adjustment made while capping a payment.
type CapNotice string

const (
	CapNoticeNone            CapNotice = ""
	CapNoticeAmountCapped    CapNotice = "Payment amount exceeded remaining package balance. Amount has been capped to the remaining due."
	CapNoticeDiscountReduced CapNotice = "Discount reduced so total credit does not exceed remaining package balance."
)

// Balance summarizes a student's package consumption and payments.
type Balance struct {
	HasPackage    bool
	Price         int64
	Paid          int64
	Discounts     int64
	Outstanding   int64
	DaysAttended  int
	DaysLeft      int
	DaysInPackage int
	Payments      []Payment
}

// ComputeBalance derives the balance for a student from its payments and attendance.
func ComputeBalance(student Student, payments []Payment, attendance []AttendanceRecord) Balance {
	balance := Balance{}
	for _, payment := range payments {
		if payment.StudentID != student.ID {
			continue
		}
		balance.Paid += max(0, payment.Amount)
		balance.Discounts += max(0, payment.Discount)
		balance.Payments = append(balance.Payments, payment)
	}
	for _, record := range attendance {
		if record.StudentID == student.ID {
			balance.DaysAttended++
		}
	}
	if student.Package == nil {
		return balance
	}
	balance.HasPackage = true
	balance.Price = student.Package.Price
	balance.DaysInPackage = student.Package.Days
	balance.Outstanding = max(0, balance.Price-(balance.Paid+balance.Discounts))
	balance.DaysLeft = max(0, balance.DaysInPackage-balance.DaysAttended)
	return balance
}

// CapPayment clamps negative values to zero and, when an outstanding balance applies, keeps
// amount+discount within it. A nil outstanding means the student has no package.
func CapPayment(amount, discount int64, outstanding *int64) (int64, int64, CapNotice) {
	amount = max(0, amount)
	discount = max(0, discount)
	if outstanding == nil {
		return amount, discount, CapNoticeNone
	}
	due := *outstanding
	if amount > due {
		return due, 0, CapNoticeAmountCapped
	}
	if amount+discount > due {
		allowed := max(0, due-amount)
		if allowed < discount {
			return amount, allowed, CapNoticeDiscountReduced
		}
	}
	return amount, discount, CapNoticeNone
}

// FormatReceiptNumber renders R-YYYYMMDD-NNNN for the day of issue and the daily sequence.
func FormatReceiptNumber(issuedAt time.Time, sequence int) string {
	return fmt.Sprintf("R-%s-%04d", issuedAt.Format("20060102"), sequence)
}
