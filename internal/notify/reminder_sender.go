package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/telecare-booking/internal/appointments"
	"github.com/wolfman30/telecare-booking/internal/reminders"
	"github.com/wolfman30/telecare-booking/pkg/logging"
)

// ReminderSender delivers appointment reminders to the patient over the
// reminder's method, falling back to email when no phone is on file.
type ReminderSender struct {
	directory Directory
	email     EmailSender
	sms       SMSSender
	loc       *time.Location
	logger    *logging.Logger
}

func NewReminderSender(directory Directory, email EmailSender, sms SMSSender, loc *time.Location, logger *logging.Logger) *ReminderSender {
	if directory == nil {
		panic("notify: directory required")
	}
	if email == nil && sms == nil {
		panic("notify: at least one transport required")
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ReminderSender{directory: directory, email: email, sms: sms, loc: loc, logger: logger}
}

var _ reminders.Sender = (*ReminderSender)(nil)

func (s *ReminderSender) Send(ctx context.Context, r reminders.Reminder, appt appointments.Appointment) (reminders.Status, error) {
	patient, err := s.directory.Lookup(ctx, appt.PatientID)
	if err != nil {
		if errors.Is(err, ErrContactNotFound) {
			s.logger.Warn("reminder recipient missing", "reminder_id", r.ID, "patient_id", appt.PatientID)
			return reminders.StatusFailed, nil
		}
		return "", err
	}
	doctorName := "your doctor"
	if doctor, err := s.directory.Lookup(ctx, appt.DoctorID); err == nil && doctor.FullName != "" {
		doctorName = doctor.FullName
	}
	text := reminderText(r.Kind, appt, doctorName, s.loc)

	switch {
	case r.Method == reminders.MethodSMS && s.sms != nil && patient.Phone != "":
		err = s.sms.SendSMS(ctx, SMSMessage{To: patient.Phone, Body: text})
	case s.email != nil && patient.Email != "":
		err = s.email.Send(ctx, EmailMessage{
			To:            patient.Email,
			ToName:        patient.FullName,
			Subject:       reminderSubject(r.Kind),
			Body:          text,
			Category:      "reminder." + string(r.Kind),
			AppointmentID: appt.ID.String(),
		})
	default:
		err = ErrNoContact
	}
	if err != nil {
		if IsPermanent(err) {
			s.logger.Warn("reminder rejected", "reminder_id", r.ID, "error", err)
			return reminders.StatusFailed, nil
		}
		return "", err
	}
	return reminders.StatusSent, nil
}

func reminderSubject(kind reminders.Kind) string {
	if kind == reminders.Kind2h {
		return "Your appointment starts in 2 hours"
	}
	return "Your appointment is tomorrow"
}

func reminderText(kind reminders.Kind, appt appointments.Appointment, doctorName string, loc *time.Location) string {
	start := appt.Start(loc)
	lead := "tomorrow"
	if kind == reminders.Kind2h {
		lead = "in 2 hours"
	}
	where := "online"
	if appt.Mode == appointments.ModeInPerson {
		where = "in person"
	}
	return fmt.Sprintf("Reminder: your appointment with %s is %s, %s (%s).",
		doctorName, lead, start.Format("Mon Jan 2 at 15:04 MST"), where)
}
