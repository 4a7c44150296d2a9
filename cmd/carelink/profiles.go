package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jwalitptl/carelink/internal/app"
	"github.com/jwalitptl/carelink/internal/model"
)

var (
	resolveRefresh bool
	ownProfile     model.Profile
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <email>",
	Short: "Print the canonical profile for an email",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
			var p model.Profile
			if resolveRefresh {
				p = e.Reconciler.Refresh(ctx, args[0])
			} else {
				p = e.Reconciler.Resolve(ctx, args[0])
			}
			return printJSON(cmd, p)
		})
	},
}

var saveProfileCmd = &cobra.Command{
	Use:   "save-profile",
	Short: "Save the signed-in user's own profile and share it with the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
			current := e.Reconciler.Resolve(ctx, e.Caregiver.Email)
			edit := ownProfile
			edit.Email = e.Caregiver.Email
			edit.ID = current.ID
			if edit.Name == "" && current.HasUsableName() {
				edit.Name = current.Name
			}
			edit.FillFrom(&current)
			saved, err := e.Reconciler.SaveOwn(ctx, edit)
			if err != nil {
				return err
			}
			return printJSON(cmd, saved)
		})
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect <patient-email>",
	Short: "Connect the signed-in caregiver to a patient",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
			p, err := e.Connect(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, p)
		})
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect <patient-email>",
	Short: "Disconnect the signed-in caregiver from a patient",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
			if err := e.Disconnect(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "disconnected %s\n", model.NormalizeEmail(args[0]))
			return nil
		})
	},
}

var patientsCmd = &cobra.Command{
	Use:   "patients",
	Short: "List the signed-in caregiver's patients",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
			patients, err := e.Patients(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, patients)
		})
	},
}

func init() {
	resolveCmd.Flags().BoolVar(&resolveRefresh, "refresh", false, "adopt a newer server copy")

	f := saveProfileCmd.Flags()
	f.StringVar(&ownProfile.Name, "name", "", "display name")
	f.StringVar(&ownProfile.Phone, "phone", "", "phone number")
	f.StringVar(&ownProfile.ProfileImage, "image", "", "profile image URL")
	f.StringVar(&ownProfile.MedicalInfo.Conditions, "conditions", "", "medical conditions")
	f.StringVar(&ownProfile.MedicalInfo.Medications, "medications", "", "medications")
	f.StringVar(&ownProfile.MedicalInfo.Allergies, "allergies", "", "allergies")
	f.StringVar(&ownProfile.MedicalInfo.BloodType, "blood-type", "", "blood type")
}
