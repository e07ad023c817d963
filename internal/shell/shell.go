// Package shell is the interactive terminal front end: a login form
// followed by a menu of record operations, all running in-process against a
// records.Store.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/huh"

	"github.com/retinaview/retinaview/internal/domain/records"
	"github.com/retinaview/retinaview/internal/platform/auth"
)

// Menu choices.
const (
	ActionCreatePatient  = "create_patient"
	ActionViewPatient    = "view_patient"
	ActionUpload         = "upload"
	ActionSubmitAnalysis = "submit_analysis"
	ActionViewAnalysis   = "view_analysis"
	ActionSearch         = "search"
	ActionNotify         = "notify"
	ActionNotifications  = "notifications"
	ActionReport         = "report"
	ActionDashboard      = "dashboard"
	ActionLogout         = "logout"
	ActionQuit           = "quit"
)

func menuOptions() []huh.Option[string] {
	return []huh.Option[string]{
		huh.NewOption("Create Patient", ActionCreatePatient),
		huh.NewOption("View Patient", ActionViewPatient),
		huh.NewOption("Upload Files", ActionUpload),
		huh.NewOption("Submit Analysis", ActionSubmitAnalysis),
		huh.NewOption("View Analysis", ActionViewAnalysis),
		huh.NewOption("Search History", ActionSearch),
		huh.NewOption("Post Notification", ActionNotify),
		huh.NewOption("Notifications", ActionNotifications),
		huh.NewOption("Download Report", ActionReport),
		huh.NewOption("Web Dashboard", ActionDashboard),
		huh.NewOption("Logout", ActionLogout),
		huh.NewOption("Quit", ActionQuit),
	}
}

// Run drives the console until the operator quits or aborts a form.
func Run(ctx context.Context, c *Console, out io.Writer) error {
	fmt.Fprintln(out, TitleStyle.Render("RetinaView"))
	for {
		if _, ok := c.Identity(); !ok {
			if err := loginForm(ctx, c, out); err != nil {
				return quitErr(err)
			}
			continue
		}

		var choice string
		menu := huh.NewForm(huh.NewGroup(
			huh.NewSelect[string]().
				Title("Main menu").
				Options(menuOptions()...).
				Value(&choice),
		))
		if err := menu.RunWithContext(ctx); err != nil {
			return quitErr(err)
		}
		if choice == ActionQuit {
			return nil
		}
		if err := dispatch(ctx, c, choice, out); err != nil {
			return quitErr(err)
		}
	}
}

// quitErr treats a user abort (ctrl+c in a form) as a clean exit.
func quitErr(err error) error {
	if errors.Is(err, huh.ErrUserAborted) {
		return nil
	}
	return err
}

func loginForm(ctx context.Context, c *Console, out io.Writer) error {
	var username, password string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("Username").Value(&username),
		huh.NewInput().Title("Password").EchoMode(huh.EchoModePassword).Value(&password),
	)).WithShowHelp(false)
	if err := form.RunWithContext(ctx); err != nil {
		return err
	}
	msg, err := c.Login(username, password)
	if errors.Is(err, auth.ErrAuthenticationFailed) {
		err = errors.New("invalid username or password")
	}
	Fprint(out, msg, err)
	return nil
}

func required(name string) func(string) error {
	return func(s string) error {
		if s == "" {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
}

func validDate(s string) error {
	if _, err := time.Parse(records.DateLayout, s); err != nil {
		return errors.New("use YYYY-MM-DD")
	}
	return nil
}

func validConfidence(s string) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 || v > 100 {
		return errors.New("enter a number between 0 and 100")
	}
	return nil
}

// dispatch collects the inputs for choice, runs it and prints the outcome.
// Only form errors are returned; action errors are printed.
func dispatch(ctx context.Context, c *Console, choice string, out io.Writer) error {
	var id, date, diagnosis, confidence, details, text, msg string
	var err error
	eye := string(records.EyeLeft)
	patientInput := huh.NewInput().Title("Patient ID").Value(&id).Validate(required("patient ID"))

	run := func(fields ...huh.Field) error {
		return huh.NewForm(huh.NewGroup(fields...)).WithShowHelp(false).RunWithContext(ctx)
	}

	switch choice {
	case ActionCreatePatient:
		if err := run(patientInput,
			huh.NewInput().Title("Scan date").Description("YYYY-MM-DD").Value(&date).Validate(validDate),
			huh.NewSelect[string]().Title("Eye").Options(
				huh.NewOption("Left", string(records.EyeLeft)),
				huh.NewOption("Right", string(records.EyeRight)),
			).Value(&eye),
		); err != nil {
			return err
		}
		msg, err = c.CreatePatient(ctx, id, date, eye)

	case ActionViewPatient:
		if err := run(patientInput); err != nil {
			return err
		}
		msg, err = c.ViewPatient(ctx, id)

	case ActionUpload:
		if err := run(patientInput,
			huh.NewText().Title("File paths").Description("One per line or comma separated").Value(&text),
		); err != nil {
			return err
		}
		msg, err = c.UploadFiles(ctx, id, text)

	case ActionSubmitAnalysis:
		if err := run(patientInput,
			huh.NewInput().Title("Diagnosis").Value(&diagnosis).Validate(required("diagnosis")),
			huh.NewInput().Title("Confidence").Description("0 to 100").Value(&confidence).Validate(validConfidence),
			huh.NewText().Title("Details").Description("Optional").Value(&details),
		); err != nil {
			return err
		}
		msg, err = c.SubmitAnalysis(ctx, id, diagnosis, confidence, details)

	case ActionViewAnalysis:
		if err := run(patientInput); err != nil {
			return err
		}
		msg, err = c.ViewAnalysis(ctx, id)

	case ActionSearch:
		if err := run(
			huh.NewInput().Title("Patient ID contains").Value(&id),
			huh.NewInput().Title("Diagnosis contains").Value(&diagnosis),
		); err != nil {
			return err
		}
		msg, err = c.Search(ctx, id, diagnosis)

	case ActionNotify:
		if err := run(huh.NewText().Title("Message").Value(&text).Validate(required("message"))); err != nil {
			return err
		}
		msg, err = c.PostNotification(ctx, text)

	case ActionNotifications:
		msg, err = c.Notifications(ctx)

	case ActionDashboard:
		msg, err = c.Dashboard(ctx)

	case ActionReport:
		text = "."
		if err := run(patientInput, huh.NewInput().Title("Save to directory").Value(&text)); err != nil {
			return err
		}
		var path string
		if path, err = c.DownloadReport(ctx, id, text); err == nil {
			msg = SuccessStyle.Render("Report saved to " + path)
		}

	case ActionLogout:
		msg = c.Logout()

	default:
		err = fmt.Errorf("unknown action %q", choice)
	}

	Fprint(out, msg, err)
	return nil
}
