// Package hsprobe is the hardware transport of a USB debug probe built around
// an STM32F723: SWD on the QUADSPI peripheral, DMA-driven SPI passthrough to
// an FPGA and its configuration flash, SWO capture on UART5, and the
// dispatcher switching the shared lines between those roles.
//
// Every driver is written against [Bus], a register file capability. [Sim]
// implements it with a model of the peripherals for tests and the hsprobe
// command's sim backend.
//
// # References:
//
// ST (https://www.st.com/en/microcontrollers-microprocessors/stm32f723ie.html)
//   - [RM0431]: STM32F72xxx and STM32F73xxx advanced Arm-based 32-bit MCUs reference manual (https://www.st.com/resource/en/reference_manual/rm0431-stm32f72xxx-and-stm32f73xxx-advanced-armbased-32bit-mcus-stmicroelectronics.pdf)
//   - [DS11853]: STM32F722xx STM32F723xx datasheet (https://www.st.com/resource/en/datasheet/stm32f723ie.pdf)
//
// Arm
//   - [IHI0031]: ARM Debug Interface Architecture Specification ADIv5.0 to ADIv5.2 (https://developer.arm.com/documentation/ihi0031/latest/)
//   - [CMSIS-DAP]: CMSIS-DAP command specification (https://arm-software.github.io/CMSIS_5/DAP/html/group__DAP__Commands__gr.html)
//
// FTDI (https://ftdichip.com/document/application-notes/)
//   - [FTDI-AN_108]: Command Processor for MPSSE and MCU Host Bus Emulation Modes (https://ftdichip.com/wp-content/uploads/2020/08/AN_108_Command_Processor_for_MPSSE_and_MCU_Host_Bus_Emulation_Modes.pdf)
//   - [FTDI-AN_114]: Interfacing FT2232H Hi-Speed Devices To SPI Bus (https://ftdichip.com/wp-content/uploads/2020/08/AN_114_FTDI_Hi_Speed_USB_To_SPI_Example.pdf)
//   - [FTDI-AN_135]: FTDI MPSSE Basics (https://ftdichip.com/wp-content/uploads/2020/08/AN_135_MPSSE_Basics.pdf)
//
// FPGA
//   - [Lattice-EB82]: iCEstick User Manual (https://www.latticesemi.com/view_document?document_id=50701)
//   - [iCEBreaker]: iCEBreaker FPGA (https://github.com/icebreaker-fpga/icebreaker/blob/master/hardware/v1.0e/icebreaker-sch.pdf)
//
// SPI Flash
//   - [JEP106]: JEDEC Standard Manufacturer's Identification Code
//   - [N25Q32]: N25Q032A Micron Serial NOR Flash Memory datasheet (could not find the official public URL)
//   - [W25Q128]: W25Q128JV-DTR Winbond Serial Flash Memory (https://www.winbond.com/resource-files/W25Q128JV_DTR%20RevD%2012232024%20Plus.pdf)
package hsprobe
