package desk

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/dtc/internal/school"
	"go.uber.org/zap"
)

// PaymentResult is the stored payment and the adjustment made while capping it, if any.
type PaymentResult struct {
	Payment school.Payment
	Notice  school.CapNotice
}

// AddPayment records a payment with a fresh receipt number. For a student with a package the
// amount and discount are capped to the outstanding balance and the returned notice says how.
// The payment keeps a snapshot of the student so it stays readable after the student is deleted.
func (s *Service) AddPayment(ctx context.Context, input school.PaymentInput) (PaymentResult, error) {
	if err := input.Validate(); err != nil {
		return PaymentResult{}, err
	}

	var student *school.Student
	var outstanding *int64
	if studentID := strings.TrimSpace(input.StudentID); studentID != "" {
		found, ok, err := s.store.FindStudent(ctx, studentID)
		if err != nil {
			return PaymentResult{}, err
		}
		if !ok {
			return PaymentResult{}, fmt.Errorf("%w: student %s", ErrNotFound, studentID)
		}
		student = &found
		balance, err := s.balance(ctx, found)
		if err != nil {
			return PaymentResult{}, err
		}
		if balance.HasPackage {
			due := balance.Outstanding
			outstanding = &due
		}
	}

	amount, discount, notice := school.CapPayment(input.Amount, input.Discount, outstanding)

	id, err := s.paymentIDs.NewID()
	if err != nil {
		return PaymentResult{}, err
	}
	issuedAt := s.clock()
	receipt, err := s.store.NextReceiptNumber(ctx, issuedAt)
	if err != nil {
		return PaymentResult{}, err
	}

	payment := school.Payment{
		ID:            id,
		ReceiptNumber: receipt,
		Amount:        amount,
		Discount:      discount,
		Method:        input.PaymentMethod(),
		Note:          strings.TrimSpace(input.Note),
		Time:          issuedAt.UTC(),
	}
	if student != nil {
		payment.StudentID = student.ID
		payment.StudentName = student.Name
		payment.StudentPhone = student.Phone
		payment.StudentCourse = student.Course
	}
	if err := s.store.InsertPayment(ctx, payment); err != nil {
		return PaymentResult{}, err
	}

	fields := []zap.Field{
		zap.String("payment_id", payment.ID),
		zap.String("receipt_number", payment.ReceiptNumber),
		zap.Int64("amount", payment.Amount),
		zap.Int64("discount", payment.Discount),
		zap.String("method", string(payment.Method)),
	}
	if notice != school.CapNoticeNone {
		fields = append(fields, zap.String("notice", string(notice)))
	}
	s.logger.Info("payment recorded", fields...)
	return PaymentResult{Payment: payment, Notice: notice}, nil
}

// ListPayments returns payments newest first; an empty student id lists every payment.
func (s *Service) ListPayments(ctx context.Context, studentID string) ([]school.Payment, error) {
	return s.store.ListPayments(ctx, strings.TrimSpace(studentID))
}

// DeletePayment removes a payment after explicit confirmation.
func (s *Service) DeletePayment(ctx context.Context, id string, confirmed bool) error {
	if !confirmed {
		return ErrNotConfirmed
	}
	deleted, err := s.store.DeletePayment(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("%w: payment %s", ErrNotFound, id)
	}
	s.logger.Info("payment deleted", zap.String("payment_id", id))
	return nil
}
