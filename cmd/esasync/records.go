package main

import (
	"fmt"
	"io"

	"github.com/MarcoPoloResearchLab/esasync/internal/records"
	"github.com/spf13/cobra"
)

func newCustomerCommand() *cobra.Command {
	customerCmd := &cobra.Command{Use: "customer", Short: "Manage customers"}

	var customer records.Customer
	addCmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a customer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			customer.Name = args[0]
			return createEntity(cmd, &customer)
		},
	}
	addCmd.Flags().StringVar(&customer.Address, "address", "", "Postal address")
	addCmd.Flags().StringVar(&customer.Phone, "phone", "", "Phone number")
	addCmd.Flags().StringVar(&customer.Email, "email", "", "Email address")

	customerCmd.AddCommand(
		addCmd,
		listCommand(records.TableCustomers, func(entity records.Entity) string {
			return entity.(*records.Customer).Name
		}),
		deleteCommand(records.TableCustomers, "Delete a customer with its destinations and devices"),
	)
	return customerCmd
}

func newDestinationCommand() *cobra.Command {
	destinationCmd := &cobra.Command{Use: "destination", Short: "Manage customer sites"}

	var destination records.Destination
	addCmd := &cobra.Command{
		Use:   "add <customer-uuid> <name>",
		Short: "Create a destination for a customer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			destination.CustomerUUID = args[0]
			destination.Name = args[1]
			return createEntity(cmd, &destination)
		},
	}
	addCmd.Flags().StringVar(&destination.Address, "address", "", "Site address")

	destinationCmd.AddCommand(
		addCmd,
		listCommand(records.TableDestinations, func(entity records.Entity) string {
			typed := entity.(*records.Destination)
			return typed.Name + styles.muted.Render(" customer "+typed.CustomerUUID)
		}),
		deleteCommand(records.TableDestinations, "Delete a destination with its devices"),
	)
	return destinationCmd
}

func newDeviceCommand() *cobra.Command {
	deviceCmd := &cobra.Command{Use: "device", Short: "Manage devices"}

	var device records.Device
	addCmd := &cobra.Command{
		Use:   "add <destination-uuid> <description>",
		Short: "Register a device; a deleted device with the same serial is reactivated",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			device.DestinationUUID = args[0]
			device.Description = args[1]
			return createEntity(cmd, &device)
		},
	}
	addCmd.Flags().StringVar(&device.SerialNumber, "serial", "", "Serial number")
	addCmd.Flags().StringVar(&device.Manufacturer, "manufacturer", "", "Manufacturer")
	addCmd.Flags().StringVar(&device.Model, "model", "", "Model")
	addCmd.Flags().StringVar(&device.Department, "department", "", "Hospital department")
	addCmd.Flags().StringVar(&device.CustomerInventory, "inventory", "", "Customer inventory number")
	addCmd.Flags().IntVar(&device.VerificationIntervalMonths, "interval", 12, "Verification interval in months")

	deviceCmd.AddCommand(
		addCmd,
		listCommand(records.TableDevices, func(entity records.Entity) string {
			typed := entity.(*records.Device)
			line := typed.Description
			if typed.SerialNumber != "" {
				line += " SN " + typed.SerialNumber
			}
			if typed.Status == records.DeviceStatusDecommissioned {
				line += " " + styles.muted.Render("decommissioned")
			}
			return line
		}),
		statusCommand("decommission", records.DeviceStatusDecommissioned),
		statusCommand("reactivate", records.DeviceStatusActive),
		deleteCommand(records.TableDevices, "Delete a device"),
	)
	return deviceCmd
}

func createEntity(cmd *cobra.Command, entity records.Entity) error {
	return withApp(func(a *app) error {
		assigned, err := a.tracker.Create(cmd.Context(), entity)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", styles.success.Render("created"), entity.TableName(), assigned)
		return nil
	})
}

func listCommand(table string, describe func(records.Entity) string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live " + table,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				entities, err := a.store.List(cmd.Context(), table)
				if err != nil {
					return err
				}
				printEntities(cmd.OutOrStdout(), entities, describe)
				return nil
			})
		},
	}
}

func printEntities(out io.Writer, entities []records.Entity, describe func(records.Entity) string) {
	if len(entities) == 0 {
		fmt.Fprintln(out, styles.muted.Render("none"))
		return
	}
	for _, entity := range entities {
		meta := entity.Meta()
		fmt.Fprintf(out, "%s  %s  %s\n", styles.muted.Render(meta.UUID), stateBadge(meta.State), describe(entity))
	}
}

func deleteCommand(table, short string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <uuid>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				if err := a.tracker.Delete(cmd.Context(), table, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s %s\n", table, args[0])
				return nil
			})
		},
	}
}

func statusCommand(verb string, status records.DeviceStatus) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <uuid>",
		Short: "Mark a device " + string(status),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				if err := a.tracker.SetDeviceStatus(cmd.Context(), args[0], status); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "device %s is now %s\n", args[0], status)
				return nil
			})
		},
	}
}
