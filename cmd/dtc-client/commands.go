package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/MarcoPoloResearchLab/dtc/internal/desk"
	"github.com/MarcoPoloResearchLab/dtc/internal/school"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const timeLayout = "2006-01-02 15:04"

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep the local store reconciled with the server until interrupted",
		Args:  cobra.NoArgs,
		RunE: withDeskApp(false, func(ctx context.Context, app *deskApp, cmd *cobra.Command, args []string) error {
			reconciler, err := app.newReconciler()
			if err != nil {
				return err
			}
			signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app.logger.Info("reconciler starting",
				zap.String("server_url", app.config.ServerURL),
				zap.Duration("interval", app.config.Interval))
			err = reconciler.Run(signalCtx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}),
	}
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation pass",
		Args:  cobra.NoArgs,
		RunE: withDeskApp(false, func(ctx context.Context, app *deskApp, cmd *cobra.Command, args []string) error {
			reconciler, err := app.newReconciler()
			if err != nil {
				return err
			}
			report := reconciler.Tick(ctx)
			out := cmd.OutOrStdout()
			if !report.Online {
				fmt.Fprintln(out, "offline: changes stay queued on this device")
				return nil
			}
			fmt.Fprintf(out, "online: pulled=%t pushed=%d acknowledged=%d deletes_confirmed=%d\n",
				report.Pulled, report.Pushed, report.Acknowledged, report.TombstonesCleared)
			return nil
		}),
	}
}

func newStudentCommand() *cobra.Command {
	studentCmd := &cobra.Command{
		Use:   "student",
		Short: "Manage the student roster",
	}

	var input school.StudentInput
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Enrol a student",
		Args:  cobra.NoArgs,
		RunE: withDeskApp(false, func(ctx context.Context, app *deskApp, cmd *cobra.Command, args []string) error {
			student, err := app.desk.AddStudent(ctx, input)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s %s\n", student.ID, student.Name)
			return nil
		}),
	}
	addCmd.Flags().StringVar(&input.Name, "name", "", "Student name")
	addCmd.Flags().StringVar(&input.Phone, "phone", "", "Ten digit phone number")
	addCmd.Flags().StringVar(&input.Course, "course", "", "Course (Car or Motorcycle)")
	addCmd.Flags().StringVar(&input.PackageID, "package", "", "Package id from the catalog")

	deleteCmd := &cobra.Command{
		Use:   "delete <student-id>",
		Short: "Remove a student from this device",
		Args:  cobra.ExactArgs(1),
		RunE: withDeskApp(false, func(ctx context.Context, app *deskApp, cmd *cobra.Command, args []string) error {
			if err := app.desk.DeleteStudent(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		}),
	}

	var query string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List students, newest first",
		Args:  cobra.NoArgs,
		RunE: withDeskApp(false, func(ctx context.Context, app *deskApp, cmd *cobra.Command, args []string) error {
			students, err := app.desk.ListStudents(ctx, query)
			if err != nil {
				return err
			}
			return writeStudents(cmd.OutOrStdout(), students)
		}),
	}
	listCmd.Flags().StringVar(&query, "query", "", "Filter by name or phone")

	showCmd := &cobra.Command{
		Use:   "show <student-id>",
		Short: "Show a student with package balance and payments",
		Args:  cobra.ExactArgs(1),
		RunE: withDeskApp(false, func(ctx context.Context, app *deskApp, cmd *cobra.Command, args []string) error {
			detail, err := app.desk.Student(ctx, args[0])
			if err != nil {
				return err
			}
			return writeStudentDetail(cmd.OutOrStdout(), detail)
		}),
	}

	studentCmd.AddCommand(addCmd, deleteCmd, listCmd, showCmd)
	return studentCmd
}

func newPackagesCommand() *cobra.Command {
	var course string
	packagesCmd := &cobra.Command{
		Use:   "packages",
		Short: "List the package catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			courses := school.Courses
			if course != "" {
				courses = []school.Course{school.Course(school.TitleCase(course))}
			}
			writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(writer, "ID\tCOURSE\tLABEL\tDAYS\tPRICE")
			for _, c := range courses {
				for _, pkg := range school.PackagesFor(c) {
					fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%d\n", pkg.ID, pkg.Course, pkg.Label, pkg.Days, pkg.Price)
				}
			}
			return writer.Flush()
		},
	}
	packagesCmd.Flags().StringVar(&course, "course", "", "Only list packages for this course")
	return packagesCmd
}

func newCheckInCommand() *cobra.Command {
	var input desk.CheckInInput
	checkInCmd := &cobra.Command{
		Use:   "checkin",
		Short: "Record attendance for a student or a walk-in",
		Args:  cobra.NoArgs,
		RunE: withDeskApp(true, func(ctx context.Context, app *deskApp, cmd *cobra.Command, args []string) error {
			result, err := app.desk.CheckIn(ctx, input)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checked in %s %s (%s)\n", result.Record.ID, result.Record.Name, result.State)
			return nil
		}),
	}
	checkInCmd.Flags().StringVar(&input.StudentID, "student", "", "Student id")
	checkInCmd.Flags().StringVar(&input.Name, "name", "", "Name for a walk-in without a roster entry")
	return checkInCmd
}

func newAttendanceCommand() *cobra.Command {
	attendanceCmd := &cobra.Command{
		Use:   "attendance",
		Short: "Review and correct attendance",
	}

	var day string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List attendance, newest first",
		Args:  cobra.NoArgs,
		RunE: withDeskApp(false, func(ctx context.Context, app *deskApp, cmd *cobra.Command, args []string) error {
			entries, err := app.desk.ListAttendance(ctx, day)
			if err != nil {
				return err
			}
			writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(writer, "ID\tTIME\tNAME\tPHONE\tSTATE")
			for _, entry := range entries {
				fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
					entry.Record.ID, entry.Record.Time.Local().Format(timeLayout), entry.Record.Name, entry.Record.Phone, entry.State)
			}
			return writer.Flush()
		}),
	}
	listCmd.Flags().StringVar(&day, "day", "", "Only list this UTC day (YYYY-MM-DD)")

	var confirmed bool
	deleteCmd := &cobra.Command{
		Use:   "delete <attendance-id>",
		Short: "Delete an attendance record here and on the server",
		Args:  cobra.ExactArgs(1),
		RunE: withDeskApp(true, func(ctx context.Context, app *deskApp, cmd *cobra.Command, args []string) error {
			if err := app.desk.DeleteAttendance(ctx, args[0], confirmed); err != nil {
				if errors.Is(err, desk.ErrNotConfirmed) {
					return fmt.Errorf("%w: pass --yes to delete %s", err, args[0])
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		}),
	}
	deleteCmd.Flags().BoolVar(&confirmed, "yes", false, "Confirm the delete")

	attendanceCmd.AddCommand(listCmd, deleteCmd)
	return attendanceCmd
}

func newPayCommand() *cobra.Command {
	var input school.PaymentInput
	payCmd := &cobra.Command{
		Use:   "pay",
		Short: "Record a payment and issue a receipt",
		Args:  cobra.NoArgs,
		RunE: withDeskApp(false, func(ctx context.Context, app *deskApp, cmd *cobra.Command, args []string) error {
			result, err := app.desk.AddPayment(ctx, input)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if result.Notice != school.CapNoticeNone {
				fmt.Fprintln(out, string(result.Notice))
			}
			return writeReceipt(out, result.Payment)
		}),
	}
	payCmd.Flags().StringVar(&input.StudentID, "student", "", "Student id")
	payCmd.Flags().Int64Var(&input.Amount, "amount", 0, "Amount received")
	payCmd.Flags().Int64Var(&input.Discount, "discount", 0, "Discount granted")
	payCmd.Flags().StringVar(&input.Method, "method", string(school.PaymentMethodCash), "Payment method (cash or qr)")
	payCmd.Flags().StringVar(&input.Note, "note", "", "Free text note")
	return payCmd
}

func newPaymentCommand() *cobra.Command {
	paymentCmd := &cobra.Command{
		Use:   "payment",
		Short: "Review and correct payments",
	}

	var studentID string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List payments, newest first",
		Args:  cobra.NoArgs,
		RunE: withDeskApp(false, func(ctx context.Context, app *deskApp, cmd *cobra.Command, args []string) error {
			payments, err := app.desk.ListPayments(ctx, studentID)
			if err != nil {
				return err
			}
			return writePayments(cmd.OutOrStdout(), payments)
		}),
	}
	listCmd.Flags().StringVar(&studentID, "student", "", "Only list payments for this student")

	var confirmed bool
	deleteCmd := &cobra.Command{
		Use:   "delete <payment-id>",
		Short: "Delete a payment",
		Args:  cobra.ExactArgs(1),
		RunE: withDeskApp(false, func(ctx context.Context, app *deskApp, cmd *cobra.Command, args []string) error {
			if err := app.desk.DeletePayment(ctx, args[0], confirmed); err != nil {
				if errors.Is(err, desk.ErrNotConfirmed) {
					return fmt.Errorf("%w: pass --yes to delete %s", err, args[0])
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		}),
	}
	deleteCmd.Flags().BoolVar(&confirmed, "yes", false, "Confirm the delete")

	paymentCmd.AddCommand(listCmd, deleteCmd)
	return paymentCmd
}

func newKeyCommand() *cobra.Command {
	keyCmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the sync key saved on this device",
	}

	setCmd := &cobra.Command{
		Use:   "set <key>",
		Short: "Save the sync key on this device",
		Args:  cobra.ExactArgs(1),
		RunE: withDeskApp(false, func(ctx context.Context, app *deskApp, cmd *cobra.Command, args []string) error {
			if err := app.desk.SetSyncKey(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sync key saved")
			return nil
		}),
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Forget the saved sync key",
		Args:  cobra.NoArgs,
		RunE: withDeskApp(false, func(ctx context.Context, app *deskApp, cmd *cobra.Command, args []string) error {
			if err := app.desk.ClearSyncKey(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sync key cleared")
			return nil
		}),
	}

	keyCmd.AddCommand(setCmd, clearCmd)
	return keyCmd
}

func writeStudents(out io.Writer, students []school.Student) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tNAME\tPHONE\tCOURSE\tPACKAGE")
	for _, student := range students {
		pkg := "-"
		if student.Package != nil {
			pkg = student.Package.Label
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n", student.ID, student.Name, student.Phone, student.Course, pkg)
	}
	return writer.Flush()
}

func writeStudentDetail(out io.Writer, detail desk.StudentDetail) error {
	student := detail.Student
	balance := detail.Balance
	fmt.Fprintf(out, "%s\n  id: %s\n  phone: %s\n  course: %s\n", student.Name, student.ID, student.Phone, student.Course)
	if balance.HasPackage {
		fmt.Fprintf(out, "  package: %s (%d days, price %d)\n", student.Package.Label, balance.DaysInPackage, balance.Price)
		fmt.Fprintf(out, "  attended: %d, days left: %d\n", balance.DaysAttended, balance.DaysLeft)
		fmt.Fprintf(out, "  paid: %d, discounts: %d, outstanding: %d\n", balance.Paid, balance.Discounts, balance.Outstanding)
	} else {
		fmt.Fprintf(out, "  attended: %d\n  paid: %d, discounts: %d\n", balance.DaysAttended, balance.Paid, balance.Discounts)
	}
	if len(balance.Payments) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	return writePayments(out, balance.Payments)
}

func writePayments(out io.Writer, payments []school.Payment) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tRECEIPT\tTIME\tSTUDENT\tAMOUNT\tDISCOUNT\tMETHOD")
	for _, payment := range payments {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			payment.ID, payment.ReceiptNumber, payment.Time.Local().Format(timeLayout),
			payment.StudentName, payment.Amount, payment.Discount, payment.Method)
	}
	return writer.Flush()
}

func writeReceipt(out io.Writer, payment school.Payment) error {
	_, err := fmt.Fprintf(out, "receipt %s\n  issued: %s\n  student: %s %s\n  amount: %d\n  discount: %d\n  method: %s\n",
		payment.ReceiptNumber, payment.Time.Local().Format(time.RFC1123), payment.StudentName, payment.StudentPhone,
		payment.Amount, payment.Discount, payment.Method)
	return err
}
